package lru

import (
	"fmt"

	hlru "github.com/hashicorp/golang-lru/v2"
)

// Cache 是固定容量、按访问顺序淘汰的并发安全缓存。
//
// 约束：
// - Len() <= Cap() 永远成立
// - Get 命中与 Put 都会把 key 提升为最近使用
// - 没有 TTL：只按容量淘汰
type Cache[K comparable, V any] struct {
	c   *hlru.Cache[K, V]
	cap int
}

// New 构造容量为 size 的缓存；size 必须 > 0。
func New[K comparable, V any](size int) (*Cache[K, V], error) {
	if size <= 0 {
		return nil, fmt.Errorf("lru 容量必须 > 0，实际 %d", size)
	}
	c, err := hlru.New[K, V](size)
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{c: c, cap: size}, nil
}

// MustNew 用于容量是常量的场景（容量非法属于编程错误）。
func MustNew[K comparable, V any](size int) *Cache[K, V] {
	c, err := New[K, V](size)
	if err != nil {
		panic(err)
	}
	return c
}

// Get 返回 key 对应的值并提升其新近度；不存在时 ok=false。
func (c *Cache[K, V]) Get(key K) (v V, ok bool) {
	return c.c.Get(key)
}

// Put 插入或覆盖 key；超出容量时淘汰最久未访问的一个条目。
// 返回值表示本次写入是否触发了淘汰。
func (c *Cache[K, V]) Put(key K, v V) (evicted bool) {
	return c.c.Add(key, v)
}

// Remove 删除 key；返回 key 是否存在。
func (c *Cache[K, V]) Remove(key K) bool { return c.c.Remove(key) }

func (c *Cache[K, V]) Len() int { return c.c.Len() }

func (c *Cache[K, V]) Cap() int { return c.cap }
