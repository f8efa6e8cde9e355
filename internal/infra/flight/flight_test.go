package flight

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("等待条件超时")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDo_CancelledCallerLeavesOthersWaiting(t *testing.T) {
	var g Group
	var calls int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := g.Do(ctxA, "k", fn)
		errA <- err
	}()
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 })

	type result struct {
		v   any
		err error
	}
	resB := make(chan result, 1)
	go func() {
		v, err := g.Do(context.Background(), "k", fn)
		resB <- result{v, err}
	}()
	waitFor(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.calls["k"] != nil && g.calls["k"].waiters == 2
	})

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("取消的调用方期望 context.Canceled，实际 %v", err)
	}
	close(release)
	r := <-resB
	if r.err != nil || r.v != "ok" {
		t.Fatalf("未取消的调用方应拿到共享结果，实际 v=%v err=%v", r.v, r.err)
	}
	if calls != 1 {
		t.Fatalf("期望只执行 1 次，实际 %d", calls)
	}
}

func TestDo_LastCallerCancelStopsSharedWork(t *testing.T) {
	var g Group
	var stopped int32
	started := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := g.Do(ctx, "k", func(fctx context.Context) (any, error) {
		close(started)
		<-fctx.Done()
		atomic.StoreInt32(&stopped, 1)
		return nil, fctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际 %v", err)
	}
	if atomic.LoadInt32(&stopped) != 1 {
		t.Fatalf("最后一个调用方返回前共享执行应已结束")
	}

	v, err := g.Do(context.Background(), "k", func(context.Context) (any, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("取消后的新调用应重新执行，实际 v=%v err=%v", v, err)
	}
}

func TestDo_AlreadyCancelledDoesNotRun(t *testing.T) {
	var g Group
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Do(ctx, "k", func(context.Context) (any, error) {
		t.Fatalf("已取消的 ctx 不应触发执行")
		return nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际 %v", err)
	}
}
