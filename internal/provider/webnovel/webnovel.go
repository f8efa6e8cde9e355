package webnovel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ch1kulya/logger"
	"github.com/microcosm-cc/bluemonday"

	"github.com/John-Robertt/novelagg/internal/domain"
	"github.com/John-Robertt/novelagg/internal/infra/httpx"
	"github.com/John-Robertt/novelagg/internal/provider"
	"github.com/John-Robertt/novelagg/internal/session"
)

const ID = "webnovel"

const contentSelector = "div.cha-content[data-report-l1='3'] div.cha-words"

// MobileUserAgent 是移动站接口要求的 UA。
const MobileUserAgent = "Mozilla/5.0 (Linux; Android 10; Mobile) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.5735.131 Mobile Safari/537.36"

const (
	csrfCookie        = "_csrfToken"
	defaultTag        = "fanfic"
	defaultCategoryID = "81006"
	// defaultMaxSearchPages 是 isLast 永远为 0 时的兜底。
	defaultMaxSearchPages = 200
)

// categoryIDs 把 fanfic 分类 tag 映射为接口的 categoryId；未知 tag 使用 defaultCategoryID。
var categoryIDs = map[string]string{
	"fanfic-anime-comics":    "81006",
	"fanfic-video-games":     "81005",
	"fanfic-celebrities":     "81002",
	"fanfic-music-bands":     "81003",
	"fanfic-movies":          "81007",
	"fanfic-book-literature": "81001",
	"fanfic-tv":              "81008",
	"fanfic-theater":         "81004",
	"fanfic-others":          "81009",
}

var tagOptions = []provider.Option{
	{Label: "Anime & Comics", Value: "fanfic-anime-comics"},
	{Label: "Video Games", Value: "fanfic-video-games"},
	{Label: "Celebrities", Value: "fanfic-celebrities"},
	{Label: "Music & Bands", Value: "fanfic-music-bands"},
	{Label: "Movies", Value: "fanfic-movies"},
	{Label: "Book & Literature", Value: "fanfic-book-literature"},
	{Label: "TV", Value: "fanfic-tv"},
	{Label: "Theater", Value: "fanfic-theater"},
	{Label: "Others", Value: "fanfic-others"},
}

func CategoryID(tag string) string {
	if id, ok := categoryIDs[tag]; ok {
		return id
	}
	return defaultCategoryID
}

type Config struct {
	MainURL  string `json:"main_url"`
	CoverURL string `json:"cover_url"`
}

func DefaultConfig() Config {
	return Config{
		MainURL:  "https://m.webnovel.com",
		CoverURL: "https://book-pic.webnovel.com/bookcover",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if v := strings.TrimRight(strings.TrimSpace(c.MainURL), "/"); v != "" {
		d.MainURL = v
	}
	if v := strings.TrimRight(strings.TrimSpace(c.CoverURL), "/"); v != "" {
		d.CoverURL = v
	}
	return d
}

// Provider 访问 webnovel 移动站的 fanfic 接口；除正文页外都需要会话 cookie 与 CSRF token。
type Provider struct {
	cfg  Config
	http httpx.Getter

	sess           *session.Manager
	contents       *provider.ChapterCache
	policy         *bluemonday.Policy
	maxSearchPages int
}

func New(rt provider.Runtime, cfg Config) *Provider {
	cfg = cfg.withDefaults()
	sess := session.NewManager(session.Options{
		Source:       ID,
		LoginURL:     cfg.MainURL,
		Marker:       csrfCookie,
		CSRFCookie:   csrfCookie,
		PollInterval: rt.SessionPoll,
		MaxPolls:     rt.SessionMaxPolls,
	}, rt.Sessions, rt.Browser)
	return &Provider{
		cfg:            cfg,
		http:           rt.HTTP,
		sess:           sess,
		contents:       provider.NewChapterCache(ID, rt, 20),
		policy:         bluemonday.UGCPolicy(),
		maxSearchPages: defaultMaxSearchPages,
	}
}

func (p *Provider) Info() provider.Info {
	return provider.Info{
		ID:          ID,
		Name:        "Webnovel (Fanfic)",
		MainURL:     p.cfg.MainURL,
		HasMainPage: true,
		Tags:        tagOptions,
	}
}

func (p *Provider) Session() *session.Manager { return p.sess }

// flexString 接受 JSON 字符串或数字（接口对 bookId/chapterNum 两种都会返回）。
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

type bookItem struct {
	BookID     flexString  `json:"bookId"`
	BookName   *string     `json:"bookName"`
	ChapterNum *flexString `json:"chapterNum"`
}

func (p *Provider) toResult(b bookItem) (domain.SearchResult, bool) {
	id := strings.TrimSpace(string(b.BookID))
	if id == "" {
		return domain.SearchResult{}, false
	}
	name := "Untitled"
	if b.BookName != nil {
		name = *b.BookName
	}
	count := "0"
	if b.ChapterNum != nil {
		count = string(*b.ChapterNum)
	}
	return domain.SearchResult{
		Name:              name,
		DetailURL:         p.cfg.MainURL + "/book/" + id,
		PosterURL:         p.coverURL(id),
		TotalChapterCount: count,
	}, true
}

func (p *Provider) coverURL(id string) string {
	return p.cfg.CoverURL + "/" + id + "?imageMogr2/thumbnail/180x|imageMogr2/format/webp|imageMogr2/quality/70!"
}

func (p *Provider) MainPage(ctx context.Context, q provider.MainPageQuery) (domain.MainPage, error) {
	cred, err := p.sess.Credential(ctx)
	if err != nil {
		return domain.MainPage{}, err
	}
	tag := strings.TrimSpace(q.Tag)
	if tag == "" {
		tag = defaultTag
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	v := url.Values{}
	v.Set("_csrfToken", cred.CSRFToken)
	v.Set("language", "en")
	v.Set("categoryId", CategoryID(tag))
	v.Set("categoryType", "4")
	v.Set("orderBy", "3")
	v.Set("pageIndex", strconv.Itoa(page))

	var body struct {
		Data *struct {
			Items []bookItem `json:"items"`
		} `json:"data"`
	}
	referer := p.cfg.MainURL + "/stories/" + tag
	if err := p.getJSON(ctx, cred, "/go/pcm/category/categoryPage?"+v.Encode(), referer, false, &body); err != nil {
		return domain.MainPage{}, err
	}
	if body.Data == nil {
		return domain.MainPage{}, provider.ParseFailed("分类页缺少 data")
	}
	items := make([]domain.SearchResult, 0, len(body.Data.Items))
	for _, b := range body.Data.Items {
		if sr, ok := p.toResult(b); ok {
			items = append(items, sr)
		}
	}
	return domain.MainPage{URL: referer, Items: items}, nil
}

// Search 逐页拉取直到接口报告最后一页（isLast 缺省视为 1）。
func (p *Provider) Search(ctx context.Context, query string) ([]domain.SearchResult, error) {
	cred, err := p.sess.Credential(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SearchResult, 0)
	for page := 1; page <= p.maxSearchPages; page++ {
		items, last, err := p.searchPage(ctx, cred, query, page)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if last || len(items) == 0 {
			return out, nil
		}
	}
	logger.Warn("webnovel: 搜索 %q 超过 %d 页仍未结束，截断", query, p.maxSearchPages)
	return out, nil
}

func (p *Provider) searchPage(ctx context.Context, cred session.Credential, query string, page int) ([]domain.SearchResult, bool, error) {
	v := url.Values{}
	v.Set("_csrfToken", cred.CSRFToken)
	v.Set("pageIndex", strconv.Itoa(page))
	v.Set("type", "fanfic")
	v.Set("keywords", query)

	var body struct {
		Data *struct {
			Fanfic *struct {
				Items  []bookItem `json:"fanficBookItems"`
				IsLast *int       `json:"isLast"`
			} `json:"fanficBookInfo"`
		} `json:"data"`
	}
	referer := p.cfg.MainURL + "/fanfic-search?keywords=" + url.QueryEscape(query)
	err := p.getJSON(ctx, cred, "/go/pcm/search/result?"+v.Encode(), referer, true, &body)
	if errors.Is(err, httpx.ErrEmptyBody) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	if body.Data == nil || body.Data.Fanfic == nil || body.Data.Fanfic.Items == nil {
		return nil, true, nil
	}
	items := make([]domain.SearchResult, 0, len(body.Data.Fanfic.Items))
	for _, b := range body.Data.Fanfic.Items {
		if sr, ok := p.toResult(b); ok {
			items = append(items, sr)
		}
	}
	last := body.Data.Fanfic.IsLast == nil || *body.Data.Fanfic.IsLast == 1
	return items, last, nil
}

func (p *Provider) getJSON(ctx context.Context, cred session.Credential, path, referer string, xhr bool, v any) error {
	resp, err := p.get(ctx, cred, p.cfg.MainURL+path, referer, xhr)
	if err != nil {
		return err
	}
	return resp.JSON(v)
}

// get 发送带会话的请求；401/403 视为会话失效并清除它，下次调用会重新获取。
func (p *Provider) get(ctx context.Context, cred session.Credential, u, referer string, xhr bool) (*httpx.Response, error) {
	h := map[string]string{
		"User-Agent": MobileUserAgent,
		"Cookie":     cred.Cookie,
	}
	if referer != "" {
		h["Referer"] = referer
	}
	if xhr {
		h["X-Requested-With"] = "XMLHttpRequest"
	}
	resp, err := p.http.Get(ctx, u, httpx.Options{Headers: h})
	var se *httpx.StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
		logger.Warn("webnovel: 会话被拒绝（HTTP %d），清除会话", se.StatusCode)
		if cerr := p.sess.Clear(ctx); cerr != nil {
			logger.Warn("webnovel: 清除会话失败：%v", cerr)
		}
		return nil, &session.AuthError{Source: ID, Err: err}
	}
	return resp, err
}

// bookID 取 URL 最后一段路径。
func bookID(detailURL string) string {
	s := strings.TrimSpace(detailURL)
	if u, err := url.Parse(s); err == nil {
		s = u.Path
	}
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func (p *Provider) Load(ctx context.Context, detailURL string) (domain.NovelDetail, error) {
	id := bookID(detailURL)
	if id == "" {
		return domain.NovelDetail{}, provider.NotFound("无法从 URL 解析 bookId：%q", detailURL)
	}
	cred, err := p.sess.Credential(ctx)
	if err != nil {
		return domain.NovelDetail{}, err
	}

	v := url.Values{}
	v.Set("_csrfToken", cred.CSRFToken)
	v.Set("bookId", id)
	var body struct {
		Data *struct {
			BookInfo *struct {
				BookName     *string `json:"bookName"`
				AuthorName   *string `json:"authorName"`
				Description  string  `json:"description"`
				ActionStatus int     `json:"actionStatus"`
			} `json:"bookInfo"`
		} `json:"data"`
	}
	if err := p.getJSON(ctx, cred, "/go/pcm/book/get-book-detail?"+v.Encode(), "", false, &body); err != nil {
		return domain.NovelDetail{}, err
	}
	if body.Data == nil || body.Data.BookInfo == nil {
		return domain.NovelDetail{}, provider.NotFound("bookId=%s 没有详情", id)
	}
	info := body.Data.BookInfo
	d := domain.NovelDetail{
		Title:     "Untitled",
		URL:       p.cfg.MainURL + "/book/" + id,
		Author:    "Unknown",
		PosterURL: p.coverURL(id),
		Synopsis:  info.Description,
		Status:    actionStatus(info.ActionStatus),
	}
	if info.BookName != nil {
		d.Title = *info.BookName
	}
	if info.AuthorName != nil {
		d.Author = *info.AuthorName
	}

	chapters, err := p.catalog(ctx, cred, id)
	if err != nil {
		return domain.NovelDetail{}, err
	}
	d.Chapters = chapters
	return d, nil
}

func actionStatus(n int) domain.Status {
	switch n {
	case 30:
		return domain.StatusOngoing
	case 50:
		return domain.StatusCompleted
	default:
		return domain.StatusPaused
	}
}

func (p *Provider) catalog(ctx context.Context, cred session.Credential, id string) ([]domain.Chapter, error) {
	resp, err := p.get(ctx, cred, p.cfg.MainURL+"/book/"+id+"/catalog", "", false)
	if err != nil {
		return nil, err
	}
	doc, err := resp.Document()
	if err != nil {
		return nil, provider.ParseFailed("解析目录页失败：%w", err)
	}
	base, _ := url.Parse(resp.URL)
	out := make([]domain.Chapter, 0)
	doc.Find("a.lh24.db.oh.fs14.clearfix.g_row.pr.pt8.pb8").Each(func(i int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		name := strings.TrimSpace(a.Find("strong.styles_chapter_name__lQv69 > span").First().Text())
		if name == "" {
			name = fmt.Sprintf("Chapter %d", i+1)
		}
		out = append(out, domain.Chapter{Title: name, URL: resolve(base, href)})
	})
	return out, nil
}

func resolve(base *url.URL, ref string) string {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || base == nil {
		return ref
	}
	return base.ResolveReference(r).String()
}

// ChapterContent 依次查 LRU、磁盘（离线模式）、网络；正文页不需要会话。
func (p *Provider) ChapterContent(ctx context.Context, chapterURL string) (string, bool, error) {
	base, _ := url.Parse(p.cfg.MainURL + "/")
	u := resolve(base, chapterURL)
	if s, ok := p.contents.Get(u); ok {
		return s, true, nil
	}
	resp, err := p.http.Get(ctx, u, httpx.Options{Headers: map[string]string{"User-Agent": MobileUserAgent}})
	if err != nil {
		return "", false, err
	}
	content, ok, err := provider.ExtractContent(resp, contentSelector, p.policy)
	if err != nil {
		return "", false, err
	}
	if !ok {
		logger.Warn("webnovel: 章节页没有正文区域：%s", u)
		return "", false, nil
	}
	p.contents.Put(u, content)
	return content, true, nil
}
