package lru

import (
	"math/rand"
	"testing"
)

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := MustNew[int, string](3)
	c.Put(1, "a")
	c.Put(2, "b")
	c.Put(3, "c")

	if evicted := c.Put(4, "d"); !evicted {
		t.Fatalf("第 N+1 个 key 应触发淘汰")
	}
	if _, ok := c.Get(1); ok {
		t.Fatalf("最久未访问的 key=1 应被淘汰")
	}
	for _, k := range []int{2, 3, 4} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("key=%d 不应被淘汰", k)
		}
	}
}

func TestCache_GetRefreshesRecency(t *testing.T) {
	c := MustNew[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("期望命中 a=1，实际 (%v,%v)", v, ok)
	}
	c.Put("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatalf("Get(a) 之后，b 才是最久未访问，应被淘汰")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("a 刚被访问过，不应被淘汰")
	}
}

func TestCache_PutOverwritePromotes(t *testing.T) {
	c := MustNew[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 10)
	c.Put("c", 3)

	if v, ok := c.Get("a"); !ok || v != 10 {
		t.Fatalf("覆盖写入应保留新值并提升新近度，实际 (%v,%v)", v, ok)
	}
	if _, ok := c.Get("b"); ok {
		t.Fatalf("b 应被淘汰")
	}
}

func TestCache_SizeNeverExceedsCap(t *testing.T) {
	const n = 5
	c := MustNew[int, int](n)
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		k := rnd.Intn(20)
		if rnd.Intn(2) == 0 {
			c.Put(k, i)
		} else {
			c.Get(k)
		}
		if c.Len() > n {
			t.Fatalf("第 %d 次操作后 Len=%d 超过容量 %d", i, c.Len(), n)
		}
	}
}

func TestNew_InvalidSize(t *testing.T) {
	if _, err := New[int, int](0); err == nil {
		t.Fatalf("容量为 0 时期望错误")
	}
}

func TestCache_Remove(t *testing.T) {
	c := MustNew[string, int](2)
	c.Put("a", 1)
	if !c.Remove("a") {
		t.Fatalf("删除已存在的 key 应返回 true")
	}
	if _, ok := c.Get("a"); ok || c.Len() != 0 {
		t.Fatalf("删除后不应再命中，Len=%d", c.Len())
	}
	if c.Remove("a") {
		t.Fatalf("删除不存在的 key 应返回 false")
	}
}
