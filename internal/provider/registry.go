package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/John-Robertt/novelagg/internal/domain"
	"github.com/John-Robertt/novelagg/internal/session"
)

// LibraryIndex 由书架层实现：按书名返回其所在分组（例如 "READING"）。
type LibraryIndex interface {
	ReadStatus(name string) (section string, ok bool)
}

// SessionOwner 由需要登录态的 provider 实现，暴露其会话管理器（用于外部覆盖/清除）。
type SessionOwner interface {
	Session() *session.Manager
}

// Registry 是 provider 的只读注册表（按 ID 索引），同时是对上层的唯一分发入口：
// 返回的错误总是 *Error，返回的列表已补齐 LibraryStatus。
type Registry struct {
	byID  map[string]Provider
	order []string

	Library LibraryIndex
}

func NewRegistry(providers ...Provider) (Registry, error) {
	byID := make(map[string]Provider, len(providers))
	order := make([]string, 0, len(providers))
	for _, p := range providers {
		if p == nil {
			return Registry{}, fmt.Errorf("provider 不能为空")
		}
		id := normID(p.Info().ID)
		if id == "" {
			return Registry{}, fmt.Errorf("provider.Info().ID 不能为空")
		}
		if _, ok := byID[id]; ok {
			return Registry{}, fmt.Errorf("重复的 provider：%q", id)
		}
		byID[id] = p
		order = append(order, id)
	}
	return Registry{byID: byID, order: order}, nil
}

func (r Registry) Get(id string) (Provider, bool) {
	if r.byID == nil {
		return nil, false
	}
	p, ok := r.byID[normID(id)]
	return p, ok
}

// Infos 按注册顺序返回全部来源描述。
func (r Registry) Infos() []Info {
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].Info())
	}
	return out
}

func (r Registry) MainPage(ctx context.Context, source string, q MainPageQuery) (domain.MainPage, error) {
	p, err := r.lookup(source, "main")
	if err != nil {
		return domain.MainPage{}, err
	}
	if q.Page < 1 {
		q.Page = 1
	}
	mp, err := p.MainPage(ctx, q)
	if err != nil {
		return domain.MainPage{}, Classify(p.Info().ID, "main", err)
	}
	mp.Items = r.annotate(mp.Items)
	return mp, nil
}

func (r Registry) Search(ctx context.Context, source, query string) ([]domain.SearchResult, error) {
	p, err := r.lookup(source, "search")
	if err != nil {
		return nil, err
	}
	res, err := p.Search(ctx, query)
	if err != nil {
		return nil, Classify(p.Info().ID, "search", err)
	}
	return r.annotate(res), nil
}

func (r Registry) Load(ctx context.Context, source, detailURL string) (domain.NovelDetail, error) {
	p, err := r.lookup(source, "load")
	if err != nil {
		return domain.NovelDetail{}, err
	}
	if strings.TrimSpace(detailURL) == "" {
		return domain.NovelDetail{}, &Error{Kind: KindNotFound, Provider: p.Info().ID, Op: "load", Err: fmt.Errorf("detailURL 不能为空")}
	}
	d, err := p.Load(ctx, detailURL)
	if err != nil {
		return domain.NovelDetail{}, Classify(p.Info().ID, "load", err)
	}
	return d, nil
}

// ChapterContent 返回正文；ok=false 表示“来源没有可用正文”，不是错误。
func (r Registry) ChapterContent(ctx context.Context, source, chapterURL string) (string, bool, error) {
	p, err := r.lookup(source, "chapter")
	if err != nil {
		return "", false, err
	}
	if strings.TrimSpace(chapterURL) == "" {
		return "", false, &Error{Kind: KindNotFound, Provider: p.Info().ID, Op: "chapter", Err: fmt.Errorf("chapterURL 不能为空")}
	}
	s, ok, err := p.ChapterContent(ctx, chapterURL)
	if err != nil {
		return "", false, Classify(p.Info().ID, "chapter", err)
	}
	return s, ok, nil
}

// Session 返回需要登录态的来源的会话管理器。
func (r Registry) Session(source string) (*session.Manager, error) {
	p, err := r.lookup(source, "session")
	if err != nil {
		return nil, err
	}
	so, ok := p.(SessionOwner)
	if !ok {
		return nil, &Error{Kind: KindNotFound, Provider: p.Info().ID, Op: "session", Err: fmt.Errorf("该来源不使用会话")}
	}
	return so.Session(), nil
}

func (r Registry) lookup(source, op string) (Provider, error) {
	p, ok := r.Get(source)
	if !ok {
		return nil, &Error{Kind: KindNotFound, Provider: normID(source), Op: op, Err: fmt.Errorf("未知来源：%q", source)}
	}
	return p, nil
}

func (r Registry) annotate(items []domain.SearchResult) []domain.SearchResult {
	if items == nil {
		return []domain.SearchResult{}
	}
	for i := range items {
		items[i].ChapterLabel, _ = domain.ChapterCountLabel(items[i].TotalChapterCount)
		if r.Library == nil {
			continue
		}
		if section, ok := r.Library.ReadStatus(items[i].Name); ok && !strings.EqualFold(section, "NONE") {
			items[i].LibraryStatus = domain.FriendlyReadStatus(section)
		}
	}
	return items
}

func normID(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
