package mvlempyr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"

	"github.com/ch1kulya/logger"

	"github.com/John-Robertt/novelagg/internal/domain"
	"github.com/John-Robertt/novelagg/internal/infra/httpx"
	"github.com/John-Robertt/novelagg/internal/provider"
)

const (
	tagBase    = 7
	tagModulus = 1999999997
)

// RoutingTag 是 posts 接口按作品寻址用的 tag：7^code mod 1999999997。
func RoutingTag(code int64) int64 {
	result := int64(1)
	power := int64(tagBase)
	for exp := code; exp > 0; exp >>= 1 {
		if exp&1 == 1 {
			result = result * power % tagModulus
		}
		power = power * power % tagModulus
	}
	return result
}

// tagCache 只增不删：code 的取值域很小。
type tagCache struct {
	mu sync.Mutex
	m  map[int64]int64
}

func (c *tagCache) get(code int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.m[code]; ok {
		return t
	}
	if c.m == nil {
		c.m = make(map[int64]int64)
	}
	t := RoutingTag(code)
	c.m[code] = t
	return t
}

// chapters 返回按阅读顺序排列的章节列表。
//
// 先用 per_page=1 探测最新一章的 date；与上次全量拉取时记录的 date 相同且
// 列表仍在缓存中，则直接复用。否则逐页顺序拉取，直到空页或短页，再整体反转。
func (p *Provider) chapters(ctx context.Context, code int64) ([]domain.Chapter, error) {
	tag := p.tags.get(code)

	latest, err := p.fetchPosts(ctx, tag, 1, 1)
	if err != nil {
		return nil, err
	}
	var stamp string
	if len(latest) > 0 {
		stamp, _ = latest[0]["date"].(string)
	}
	if stamp != "" {
		cachedStamp, ok1 := p.lastUpdated.Get(code)
		cached, ok2 := p.chapterLists.Get(code)
		if ok1 && ok2 && cachedStamp == stamp {
			logger.Info("mvlempyr: code=%d 章节未更新，复用缓存（%d 章）", code, len(cached))
			return cloneChapters(cached), nil
		}
	}

	// 缓存的列表已不可复用，先丢掉旧的一对，全量拉取成功后再写入。
	p.chapterLists.Remove(code)
	p.lastUpdated.Remove(code)

	var newestFirst []domain.Chapter
	for page := 1; ; page++ {
		if page > maxChapterPages {
			return nil, provider.ParseFailed("章节分页超过 %d 页仍未结束", maxChapterPages)
		}
		items, err := p.fetchPosts(ctx, tag, p.chapterPerPage, page)
		if err != nil {
			// 章节数恰为 per_page 整数倍时，WordPress 对越界页返回 400 rest_post_invalid_page_number。
			var se *httpx.StatusError
			if page > 1 && errors.As(err, &se) && se.StatusCode == http.StatusBadRequest {
				break
			}
			return nil, err
		}
		if len(items) == 0 {
			break
		}
		for _, it := range items {
			if ch, ok := p.toChapter(it, code); ok {
				newestFirst = append(newestFirst, ch)
			}
		}
		if len(items) < p.chapterPerPage {
			break
		}
	}

	out := make([]domain.Chapter, len(newestFirst))
	for i, ch := range newestFirst {
		out[len(newestFirst)-1-i] = ch
	}

	p.chapterLists.Put(code, cloneChapters(out))
	if stamp != "" {
		p.lastUpdated.Put(code, stamp)
	}
	return out, nil
}

func (p *Provider) fetchPosts(ctx context.Context, tag int64, perPage, page int) ([]map[string]any, error) {
	v := url.Values{}
	v.Set("tags", strconv.FormatInt(tag, 10))
	v.Set("per_page", strconv.Itoa(perPage))
	v.Set("page", strconv.Itoa(page))
	resp, err := p.http.Get(ctx, p.cfg.PostsURL+"?"+v.Encode(), httpx.Options{})
	if err != nil {
		return nil, err
	}
	var items []map[string]any
	if err := resp.JSON(&items); err != nil {
		return nil, err
	}
	return items, nil
}

var chapterLinkRE = regexp.MustCompile(`/chapter/(\d+)-(\d+)`)

// toChapter 丢弃缺少 acf.ch_name 或 link 的条目。
// 站内链接统一改写为 chapter_url/<code>-<n>。
func (p *Provider) toChapter(it map[string]any, code int64) (domain.Chapter, bool) {
	acf, ok := it["acf"].(map[string]any)
	if !ok {
		return domain.Chapter{}, false
	}
	name, ok := acf["ch_name"].(string)
	if !ok {
		return domain.Chapter{}, false
	}
	link, ok := it["link"].(string)
	if !ok {
		return domain.Chapter{}, false
	}
	if m := chapterLinkRE.FindStringSubmatch(link); m != nil {
		return domain.Chapter{Title: name, URL: fmt.Sprintf("%s/%d-%s", p.cfg.ChapterURL, code, m[2])}, true
	}
	return domain.Chapter{Title: name, URL: p.absURL(link)}, true
}

func cloneChapters(in []domain.Chapter) []domain.Chapter {
	out := make([]domain.Chapter, len(in))
	copy(out, in)
	return out
}
