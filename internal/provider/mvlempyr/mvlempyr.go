package mvlempyr

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ch1kulya/logger"
	"github.com/microcosm-cc/bluemonday"

	"github.com/John-Robertt/novelagg/internal/domain"
	"github.com/John-Robertt/novelagg/internal/infra/cache"
	"github.com/John-Robertt/novelagg/internal/infra/httpx"
	"github.com/John-Robertt/novelagg/internal/infra/lru"
	"github.com/John-Robertt/novelagg/internal/provider"
)

const ID = "mvlempyr"

const contentSelector = "div#chapter.ct-text-block"

const (
	defaultPageSize       = 30
	defaultChapterPerPage = 500
	catalogPerPage        = 10000
	catalogTimeout        = 60 * time.Second
	// maxChapterPages 防止远端分页永不变短。
	maxChapterPages = 1000
)

// Config 是来源的各个端点；零值字段使用 DefaultConfig 中的值。
type Config struct {
	MainURL    string `json:"main_url"`
	CatalogURL string `json:"catalog_url"`
	PostsURL   string `json:"posts_url"`
	ChapterURL string `json:"chapter_url"`
	AssetsURL  string `json:"assets_url"`
}

func DefaultConfig() Config {
	return Config{
		MainURL:    "https://www.mvlempyr.com",
		CatalogURL: "https://chap.heliosarchive.online/wp-json/wp/v2/mvl-novels",
		PostsURL:   "https://chap.heliosarchive.online/wp-json/wp/v2/posts",
		ChapterURL: "https://www.mvlempyr.com/chapter",
		AssetsURL:  "https://assets.mvlempyr.app",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	pick := func(v, def string) string {
		v = strings.TrimRight(strings.TrimSpace(v), "/")
		if v == "" {
			return def
		}
		return v
	}
	return Config{
		MainURL:    pick(c.MainURL, d.MainURL),
		CatalogURL: pick(c.CatalogURL, d.CatalogURL),
		PostsURL:   pick(c.PostsURL, d.PostsURL),
		ChapterURL: pick(c.ChapterURL, d.ChapterURL),
		AssetsURL:  pick(c.AssetsURL, d.AssetsURL),
	}
}

// Provider 以“整目录快照”实现列表与搜索，章节走 WordPress posts 接口。
//
// 进程级状态（快照、三个 LRU、路由 tag）挂在实例上；实例应只构造一次。
type Provider struct {
	cfg  Config
	http httpx.Getter

	pageSize       int
	chapterPerPage int

	catalog      *cache.Snapshot
	chapterLists *lru.Cache[int64, []domain.Chapter]
	contents     *provider.ChapterCache
	lastUpdated  *lru.Cache[int64, string]
	tags         tagCache
	policy       *bluemonday.Policy
}

func New(rt provider.Runtime, cfg Config) *Provider {
	cfg = cfg.withDefaults()
	p := &Provider{
		cfg:            cfg,
		http:           rt.HTTP,
		pageSize:       defaultPageSize,
		chapterPerPage: defaultChapterPerPage,
		chapterLists:   lru.MustNew[int64, []domain.Chapter](20),
		contents:       provider.NewChapterCache(ID, rt, 20),
		lastUpdated:    lru.MustNew[int64, string](50),
		policy:         bluemonday.UGCPolicy(),
	}
	p.catalog = &cache.Snapshot{
		Source:   ID,
		Store:    rt.Store,
		Validity: rt.SnapshotValidity,
		Fetch:    p.fetchCatalog,
	}
	return p
}

func (p *Provider) Info() provider.Info {
	return provider.Info{
		ID:          ID,
		Name:        "MVLEmpyr",
		MainURL:     p.cfg.MainURL,
		HasMainPage: true,
		OrderBys: []provider.Option{
			{Label: "New", Value: "new"},
			{Label: "Chapters Desc", Value: "chapters_desc"},
			{Label: "Chapters Asc", Value: "chapters_asc"},
			{Label: "Average Rating", Value: "rating"},
			{Label: "Most Reviewed", Value: "reviews"},
		},
	}
}

func (p *Provider) fetchCatalog(ctx context.Context) ([]byte, error) {
	u := p.cfg.CatalogURL + "?per_page=" + strconv.Itoa(catalogPerPage)
	resp, err := p.http.Get(ctx, u, httpx.Options{Timeout: catalogTimeout})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (p *Provider) MainPage(ctx context.Context, q provider.MainPageQuery) (domain.MainPage, error) {
	recs, err := p.catalog.EnsureLoaded(ctx)
	if err != nil {
		return domain.MainPage{}, err
	}
	paged := provider.Paginate(sortRecords(recs, q.OrderBy), q.Page, p.pageSize)
	items := make([]domain.SearchResult, 0, len(paged))
	for _, r := range paged {
		if sr, ok := p.toResult(r); ok {
			items = append(items, sr)
		}
	}
	return domain.MainPage{URL: p.cfg.MainURL, Items: items}, nil
}

// Search 在名称、作者、标签、类型、简介、别名上做大小写不敏感的子串匹配。
// 空查询返回整个目录。
func (p *Provider) Search(ctx context.Context, query string) ([]domain.SearchResult, error) {
	recs, err := p.catalog.EnsureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	out := make([]domain.SearchResult, 0)
	for _, r := range recs {
		if !matches(r, q) {
			continue
		}
		if sr, ok := p.toResult(r); ok {
			out = append(out, sr)
		}
	}
	return out, nil
}

var searchFields = []string{"name", "author-name", "tags", "genre", "synopsis-text", "associated-names"}

func matches(r cache.Record, q string) bool {
	if q == "" {
		return true
	}
	for _, k := range searchFields {
		if strings.Contains(strings.ToLower(textField(r, k)), q) {
			return true
		}
	}
	return false
}

// textField 把字符串或字符串数组字段拍平为一个串。
func textField(r cache.Record, key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			parts = append(parts, fmt.Sprint(e))
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

func (p *Provider) toResult(r cache.Record) (domain.SearchResult, bool) {
	name, ok1 := r.String("name")
	slug, ok2 := r.String("slug")
	code, ok3 := intField(r, "novel-code")
	if !ok1 || !ok2 || !ok3 || strings.TrimSpace(name) == "" || strings.TrimSpace(slug) == "" {
		return domain.SearchResult{}, false
	}
	return domain.SearchResult{
		Name:              name,
		DetailURL:         p.detailURL(slug),
		PosterURL:         p.posterURL(code),
		TotalChapterCount: rawString(r["total-chapters"]),
	}, true
}

func (p *Provider) detailURL(slug string) string { return p.cfg.MainURL + "/novel/" + slug }

func (p *Provider) posterURL(code int64) string {
	return fmt.Sprintf("%s/images/300/%d.webp", p.cfg.AssetsURL, code)
}

// sortRecords 返回按 orderBy 稳定排序后的副本；未知 key 保持原顺序。
func sortRecords(recs []cache.Record, orderBy string) []cache.Record {
	out := make([]cache.Record, len(recs))
	copy(out, recs)

	var less func(a, b cache.Record) bool
	switch orderBy {
	case "new":
		less = func(a, b cache.Record) bool { return strField(a, "createdOn") > strField(b, "createdOn") }
	case "chapters_desc":
		less = func(a, b cache.Record) bool { return numField(a, "total-chapters") > numField(b, "total-chapters") }
	case "chapters_asc":
		less = func(a, b cache.Record) bool { return numField(a, "total-chapters") < numField(b, "total-chapters") }
	case "rating":
		less = func(a, b cache.Record) bool { return numField(a, "average-review") > numField(b, "average-review") }
	case "reviews":
		less = func(a, b cache.Record) bool { return numField(a, "total-reviews") > numField(b, "total-reviews") }
	default:
		return out
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func strField(r cache.Record, key string) string {
	s, _ := r.String(key)
	return s
}

// numField 把非数字（包括 "V5 46" 这类串）视为 0。
func numField(r cache.Record, key string) float64 {
	n, ok := r.Number(key)
	if !ok {
		return 0
	}
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}

func intField(r cache.Record, key string) (int64, bool) {
	n, ok := r.Number(key)
	if !ok {
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

func rawString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

var slugRE = regexp.MustCompile(`/novel/([^/?#]+)`)

func (p *Provider) Load(ctx context.Context, detailURL string) (domain.NovelDetail, error) {
	m := slugRE.FindStringSubmatch(detailURL)
	if m == nil {
		return domain.NovelDetail{}, provider.NotFound("无法从 URL 解析 slug：%q", detailURL)
	}
	slug := m[1]

	recs, err := p.catalog.EnsureLoaded(ctx)
	if err != nil {
		return domain.NovelDetail{}, err
	}
	var rec cache.Record
	for _, r := range recs {
		if s, _ := r.String("slug"); s == slug {
			rec = r
			break
		}
	}
	if rec == nil {
		return domain.NovelDetail{}, provider.NotFound("目录中没有 slug=%q", slug)
	}
	name, ok := rec.String("name")
	if !ok {
		return domain.NovelDetail{}, provider.ParseFailed("slug=%q 缺少 name", slug)
	}
	code, _ := intField(rec, "novel-code")

	chapters, err := p.chapters(ctx, code)
	if err != nil {
		return domain.NovelDetail{}, err
	}
	return domain.NovelDetail{
		Title:     name,
		URL:       p.detailURL(slug),
		Author:    strField(rec, "author-name"),
		PosterURL: p.posterURL(code),
		Synopsis:  htmlText(strField(rec, "synopsis")),
		Status:    domain.ParseStatus(strField(rec, "status")),
		Chapters:  chapters,
	}, nil
}

func htmlText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(doc.Text())
}

// ChapterContent 依次查 LRU、磁盘（离线模式）、网络；正文区域缺失返回 ok=false。
func (p *Provider) ChapterContent(ctx context.Context, chapterURL string) (string, bool, error) {
	u := p.absURL(chapterURL)
	if s, ok := p.contents.Get(u); ok {
		return s, true, nil
	}
	resp, err := p.http.Get(ctx, u, httpx.Options{})
	if err != nil {
		return "", false, err
	}
	content, ok, err := provider.ExtractContent(resp, contentSelector, p.policy)
	if err != nil {
		return "", false, err
	}
	if !ok {
		logger.Warn("mvlempyr: 章节页没有正文区域：%s", u)
		return "", false, nil
	}
	p.contents.Put(u, content)
	return content, true, nil
}

func (p *Provider) absURL(ref string) string {
	ref = strings.TrimSpace(ref)
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	base, err := url.Parse(p.cfg.MainURL + "/")
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}
