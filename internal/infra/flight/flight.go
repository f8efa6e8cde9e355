// Package flight 把同一 key 的并发调用收敛为一次执行，并按调用方引用计数处理取消。
package flight

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Group 的零值可直接使用。
//
// 约束：
//   - 共享执行运行在脱离调用方取消的 ctx 上（保留 Value）
//   - 某个调用方取消只让它自己返回；其余调用方继续等待同一次执行
//   - 最后一个调用方取消时才取消共享执行，并等它返回后再返回
type Group struct {
	sf singleflight.Group

	mu    sync.Mutex
	calls map[string]*call
}

type call struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Do 执行或加入 key 对应的共享调用。调用方 ctx 结束时返回 ctx.Err()。
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]*call)
	}
	c, ok := g.calls[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &call{ctx: fctx, cancel: cancel}
		g.calls[key] = c
	}
	c.waiters++
	ch := g.sf.DoChan(key, func() (any, error) {
		defer func() {
			g.mu.Lock()
			if g.calls[key] == c {
				delete(g.calls, key)
			}
			g.mu.Unlock()
			c.cancel()
		}()
		return fn(c.ctx)
	})
	g.mu.Unlock()

	select {
	case r := <-ch:
		g.leave(key, c, false)
		return r.Val, r.Err
	case <-ctx.Done():
		if g.leave(key, c, true) {
			<-ch
		}
		return nil, ctx.Err()
	}
}

// leave 返回 true 表示调用方是最后一个等待者且已取消共享执行。
func (g *Group) leave(key string, c *call, abandon bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	c.waiters--
	if c.waiters > 0 {
		return false
	}
	if g.calls[key] != c {
		return false
	}
	delete(g.calls, key)
	if !abandon {
		return false
	}
	c.cancel()
	g.sf.Forget(key)
	return true
}
