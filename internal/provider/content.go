package provider

import (
	"github.com/ch1kulya/logger"
	"github.com/microcosm-cc/bluemonday"

	"github.com/John-Robertt/novelagg/internal/infra/cache"
	"github.com/John-Robertt/novelagg/internal/infra/httpx"
	"github.com/John-Robertt/novelagg/internal/infra/lru"
)

// ChapterCache 是章节正文的两级缓存：进程内 LRU，加上离线模式下的磁盘副本。
// 磁盘命中会回填 LRU；写入失败只记录日志。
type ChapterCache struct {
	source  string
	store   cache.Store
	offline bool
	mem     *lru.Cache[string, string]
}

func NewChapterCache(source string, rt Runtime, size int) *ChapterCache {
	return &ChapterCache{
		source:  source,
		store:   rt.Store,
		offline: rt.OfflineChapters,
		mem:     lru.MustNew[string, string](size),
	}
}

func (c *ChapterCache) Get(chapterURL string) (string, bool) {
	if s, ok := c.mem.Get(chapterURL); ok {
		return s, true
	}
	if !c.offline {
		return "", false
	}
	s, ok, err := c.store.ReadChapter(c.source, chapterURL)
	if err != nil {
		logger.Warn("%s: 读取离线章节失败：%v", c.source, err)
		return "", false
	}
	if ok {
		c.mem.Put(chapterURL, s)
	}
	return s, ok
}

func (c *ChapterCache) Put(chapterURL, content string) {
	c.mem.Put(chapterURL, content)
	if !c.offline {
		return
	}
	if err := c.store.WriteChapter(c.source, chapterURL, content); err != nil {
		logger.Warn("%s: 写入离线章节失败：%v", c.source, err)
	}
}

// Len 只统计内存层。
func (c *ChapterCache) Len() int { return c.mem.Len() }

// ExtractContent 取 selector 命中的第一个区域的 HTML 并清洗。
// 未命中返回 ok=false 且 err=nil。
func ExtractContent(resp *httpx.Response, selector string, policy *bluemonday.Policy) (string, bool, error) {
	doc, err := resp.Document()
	if err != nil {
		return "", false, ParseFailed("解析章节页失败：%w", err)
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", false, nil
	}
	raw, err := sel.Html()
	if err != nil {
		return "", false, ParseFailed("读取正文失败：%w", err)
	}
	if policy == nil {
		policy = bluemonday.UGCPolicy()
	}
	return policy.Sanitize(raw), true, nil
}
