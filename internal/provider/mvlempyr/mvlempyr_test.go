package mvlempyr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/John-Robertt/novelagg/internal/domain"
	"github.com/John-Robertt/novelagg/internal/infra/cache"
	"github.com/John-Robertt/novelagg/internal/infra/httpx"
	"github.com/John-Robertt/novelagg/internal/provider"
)

const testCatalog = `[
 {"name":"Alpha","slug":"alpha","novel-code":11,"total-chapters":10,"author-name":"Ann","tags":["Magic"],"genre":["Fantasy"],"createdOn":"2024-01-02","average-review":4.5,"total-reviews":3,"status":"Completed","synopsis":"<p>First <b>book</b></p>"},
 {"name":"Beta","slug":"beta","novel-code":12,"total-chapters":0,"author-name":"Bob","createdOn":"2024-03-01","average-review":3.1,"total-reviews":9},
 {"name":"Gamma","slug":"gamma","novel-code":13,"total-chapters":"V5 46","synopsis-text":"a DRAGON tale","associated-names":"Γ","createdOn":"2023-05-05"},
 {"name":"NoSlug","novel-code":14},
 "junk"
]`

// origin 是一个假的 MVLEmpyr：目录、posts 接口与章节页。
type origin struct {
	mu       sync.Mutex
	chapters map[int64][]string // tag -> 最新在前的章节名
	date     string

	catalogHits atomic.Int32
	fullFetches atomic.Int32
	pageHits    atomic.Int32
	status      int
	// wpPaging 模拟 WordPress：越界页返回 400，且不附带无效条目。
	wpPaging bool
}

func newOrigin() *origin {
	return &origin{chapters: map[int64][]string{}, date: "2024-05-01T10:00:00"}
}

func (o *origin) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/catalog", func(w http.ResponseWriter, r *http.Request) {
		o.catalogHits.Add(1)
		if r.URL.Query().Get("per_page") != "10000" {
			http.Error(w, "bad per_page", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(testCatalog))
	})
	mux.HandleFunc("/posts", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tag, _ := strconv.ParseInt(q.Get("tags"), 10, 64)
		perPage, _ := strconv.Atoi(q.Get("per_page"))
		page, _ := strconv.Atoi(q.Get("page"))
		o.mu.Lock()
		names := o.chapters[tag]
		date := o.date
		o.mu.Unlock()
		if perPage != 1 {
			o.pageHits.Add(1)
			if page == 1 {
				o.fullFetches.Add(1)
			}
		}
		start := (page - 1) * perPage
		if o.wpPaging && page > 1 && start >= len(names) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"rest_post_invalid_page_number"}`))
			return
		}
		var items []map[string]any
		for i := start; i < start+perPage && i < len(names); i++ {
			n := len(names) - i
			items = append(items, map[string]any{
				"date": date,
				"link": fmt.Sprintf("http://%s/chapter/999-%d", r.Host, n),
				"acf":  map[string]any{"ch_name": names[i]},
			})
		}
		if page == 1 && perPage > 1 && !o.wpPaging {
			// WordPress 对空 acf 返回 false；这类条目应被丢弃。
			items = append(items, map[string]any{"date": date, "link": "x", "acf": false})
		}
		if items == nil {
			items = []map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(items)
	})
	mux.HandleFunc("/chapter/", func(w http.ResponseWriter, r *http.Request) {
		if o.status != 0 {
			w.WriteHeader(o.status)
			return
		}
		if strings.HasSuffix(r.URL.Path, "-404") {
			_, _ = w.Write([]byte(`<html><body><div id="other">nothing</div></body></html>`))
			return
		}
		o.pageHits.Add(1)
		_, _ = w.Write([]byte(`<html><body><div id="chapter" class="ct-text-block"><p>Hello</p><script>alert(1)</script></div></body></html>`))
	})
	return mux
}

func newTestProvider(t *testing.T, o *origin, root string) (*Provider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(o.handler())
	t.Cleanup(srv.Close)

	rt := provider.Runtime{
		HTTP:            httpx.NewFetcher(srv.Client()),
		Store:           cache.New(root, false),
		OfflineChapters: true,
	}
	p := New(rt, Config{
		MainURL:    srv.URL,
		CatalogURL: srv.URL + "/catalog",
		PostsURL:   srv.URL + "/posts",
		ChapterURL: srv.URL + "/chapter",
		AssetsURL:  "https://assets.test",
	})
	return p, srv
}

func names(items []domain.SearchResult) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Name)
	}
	return out
}

func TestMainPage_ChaptersDescStableWithNonNumericCount(t *testing.T) {
	p, srv := newTestProvider(t, newOrigin(), t.TempDir())
	p.pageSize = 2

	mp, err := p.MainPage(context.Background(), provider.MainPageQuery{Page: 1, OrderBy: "chapters_desc"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := strings.Join(names(mp.Items), ","); got != "Alpha,Beta" {
		t.Fatalf("期望 Alpha,Beta，实际=%s", got)
	}
	if mp.URL != srv.URL {
		t.Fatalf("期望 URL=%s，实际=%s", srv.URL, mp.URL)
	}
	a := mp.Items[0]
	if a.DetailURL != srv.URL+"/novel/alpha" || a.PosterURL != "https://assets.test/images/300/11.webp" || a.TotalChapterCount != "10" {
		t.Fatalf("Alpha 字段不符：%+v", a)
	}

	mp2, err := p.MainPage(context.Background(), provider.MainPageQuery{Page: 2, OrderBy: "chapters_desc"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	// 第 2 页是 Gamma 与缺 slug 的记录；后者被丢弃。
	if got := strings.Join(names(mp2.Items), ","); got != "Gamma" {
		t.Fatalf("期望 Gamma，实际=%s", got)
	}
	if mp2.Items[0].TotalChapterCount != "V5 46" {
		t.Fatalf("期望原样保留章节数，实际=%q", mp2.Items[0].TotalChapterCount)
	}

	mp3, err := p.MainPage(context.Background(), provider.MainPageQuery{Page: 3})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(mp3.Items) != 0 {
		t.Fatalf("越界页应为空，实际=%v", names(mp3.Items))
	}
}

func TestMainPage_OrderKeys(t *testing.T) {
	p, _ := newTestProvider(t, newOrigin(), t.TempDir())
	cases := map[string]string{
		"new":           "Beta,Alpha,Gamma",
		"chapters_asc":  "Beta,Gamma,Alpha",
		"rating":        "Alpha,Beta,Gamma",
		"reviews":       "Beta,Alpha,Gamma",
		"unknown-order": "Alpha,Beta,Gamma",
	}
	for order, want := range cases {
		mp, err := p.MainPage(context.Background(), provider.MainPageQuery{Page: 1, OrderBy: order})
		if err != nil {
			t.Fatalf("order=%s 不期望错误：%v", order, err)
		}
		if got := strings.Join(names(mp.Items), ","); got != want {
			t.Fatalf("order=%s 期望=%s 实际=%s", order, want, got)
		}
	}
}

func TestMainPage_CatalogFetchedOnceAndPersisted(t *testing.T) {
	o := newOrigin()
	root := t.TempDir()
	p, _ := newTestProvider(t, o, root)
	for i := 0; i < 3; i++ {
		if _, err := p.MainPage(context.Background(), provider.MainPageQuery{Page: 1}); err != nil {
			t.Fatalf("不期望错误：%v", err)
		}
	}
	if _, err := p.Search(context.Background(), "a"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := o.catalogHits.Load(); got != 1 {
		t.Fatalf("期望目录只拉取 1 次，实际=%d", got)
	}

	// 新实例（模拟重启）应直接使用磁盘快照。
	p2, _ := newTestProvider(t, o, root)
	if _, err := p2.MainPage(context.Background(), provider.MainPageQuery{Page: 1}); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := o.catalogHits.Load(); got != 1 {
		t.Fatalf("期望使用磁盘快照，实际拉取次数=%d", got)
	}
}

func TestSearch_CaseInsensitiveAcrossFields(t *testing.T) {
	p, _ := newTestProvider(t, newOrigin(), t.TempDir())
	cases := map[string]string{
		"ALPHA":   "Alpha",
		"bob":     "Beta",
		"magic":   "Alpha",
		"fantasy": "Alpha",
		"dragon":  "Gamma",
		"γ":       "Gamma",
		"zzz":     "",
		"":        "Alpha,Beta,Gamma",
	}
	for q, want := range cases {
		res, err := p.Search(context.Background(), q)
		if err != nil {
			t.Fatalf("q=%q 不期望错误：%v", q, err)
		}
		if res == nil {
			t.Fatalf("q=%q 期望非 nil 切片", q)
		}
		if got := strings.Join(names(res), ","); got != want {
			t.Fatalf("q=%q 期望=%q 实际=%q", q, want, got)
		}
	}
}

func TestLoad_NotFound(t *testing.T) {
	p, srv := newTestProvider(t, newOrigin(), t.TempDir())
	if _, err := p.Load(context.Background(), srv.URL+"/book/alpha"); provider.KindOf(err) != provider.KindNotFound {
		t.Fatalf("URL 不匹配应为 not_found，实际=%v", err)
	}
	if _, err := p.Load(context.Background(), srv.URL+"/novel/missing"); provider.KindOf(err) != provider.KindNotFound {
		t.Fatalf("未知 slug 应为 not_found，实际=%v", err)
	}
}

func TestLoad_PaginatesReversesAndReusesByStamp(t *testing.T) {
	o := newOrigin()
	p, srv := newTestProvider(t, o, t.TempDir())
	p.chapterPerPage = 2
	tag := RoutingTag(11)
	o.mu.Lock()
	o.chapters[tag] = []string{"c5", "c4", "c3", "c2", "c1"}
	o.mu.Unlock()

	d, err := p.Load(context.Background(), srv.URL+"/novel/alpha")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if d.Title != "Alpha" || d.Author != "Ann" || d.Status != domain.StatusCompleted || d.Synopsis != "First book" {
		t.Fatalf("详情字段不符：%+v", d)
	}
	var titles []string
	for _, c := range d.Chapters {
		titles = append(titles, c.Title)
	}
	if got := strings.Join(titles, ","); got != "c1,c2,c3,c4,c5" {
		t.Fatalf("期望旧到新的顺序，实际=%s", got)
	}
	if d.Chapters[0].URL != srv.URL+"/chapter/11-1" {
		t.Fatalf("期望链接改写为 code-n，实际=%s", d.Chapters[0].URL)
	}
	// 5 章、每页 2（第 1 页多一条被丢弃的条目）：第 1 页 3 条 ≥ 2，第 2 页 2 条，第 3 页 1 条为短页。
	if got := o.pageHits.Load(); got != 3 {
		t.Fatalf("期望 3 次分页请求，实际=%d", got)
	}

	if _, err := p.Load(context.Background(), srv.URL+"/novel/alpha"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := o.fullFetches.Load(); got != 1 {
		t.Fatalf("date 未变应复用缓存，实际全量拉取=%d", got)
	}

	o.mu.Lock()
	o.date = "2024-06-01T00:00:00"
	o.chapters[tag] = []string{"c6", "c5", "c4", "c3", "c2", "c1"}
	o.mu.Unlock()
	d3, err := p.Load(context.Background(), srv.URL+"/novel/alpha")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := o.fullFetches.Load(); got != 2 {
		t.Fatalf("date 变化应重新拉取，实际全量拉取=%d", got)
	}
	if len(d3.Chapters) != 6 || d3.Chapters[5].Title != "c6" {
		t.Fatalf("期望整体替换为 6 章，实际=%v", d3.Chapters)
	}
}

func TestLoad_OutOfRangePageEndsPagination(t *testing.T) {
	o := newOrigin()
	o.wpPaging = true
	p, srv := newTestProvider(t, o, t.TempDir())
	p.chapterPerPage = 2
	o.mu.Lock()
	o.chapters[RoutingTag(11)] = []string{"c4", "c3", "c2", "c1"}
	o.mu.Unlock()

	d, err := p.Load(context.Background(), srv.URL+"/novel/alpha")
	if err != nil {
		t.Fatalf("章节数为每页整数倍时越界页 400 应视为结束，实际错误：%v", err)
	}
	if len(d.Chapters) != 4 || d.Chapters[0].Title != "c1" || d.Chapters[3].Title != "c4" {
		t.Fatalf("期望 c1..c4，实际=%v", d.Chapters)
	}
	if got := o.pageHits.Load(); got != 3 {
		t.Fatalf("期望 3 次分页请求（含越界页），实际=%d", got)
	}
}

func TestRoutingTag(t *testing.T) {
	cases := map[int64]int64{0: 1, 1: 7, 2: 49, 11: 1977326743, 12: 1841287219}
	for code, want := range cases {
		if got := RoutingTag(code); got != want {
			t.Fatalf("code=%d 期望=%d 实际=%d", code, want, got)
		}
	}
	var c tagCache
	if c.get(12) != 1841287219 || c.get(12) != 1841287219 || len(c.m) != 1 {
		t.Fatalf("tagCache 应记忆化")
	}
}

func TestChapterContent_LayeredCacheAndSanitize(t *testing.T) {
	o := newOrigin()
	root := t.TempDir()
	p, srv := newTestProvider(t, o, root)
	u := srv.URL + "/chapter/11-1"

	s, ok, err := p.ChapterContent(context.Background(), u)
	if err != nil || !ok {
		t.Fatalf("期望取得正文，ok=%v err=%v", ok, err)
	}
	if !strings.Contains(s, "<p>Hello</p>") || strings.Contains(s, "script") {
		t.Fatalf("期望清洗后的正文，实际=%q", s)
	}
	if _, _, err := p.ChapterContent(context.Background(), u); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := o.pageHits.Load(); got != 1 {
		t.Fatalf("第二次应命中 LRU，实际网络请求=%d", got)
	}

	p2, _ := newTestProvider(t, o, root)
	s2, ok, err := p2.ChapterContent(context.Background(), u)
	if err != nil || !ok || s2 != s {
		t.Fatalf("期望命中磁盘缓存，ok=%v err=%v", ok, err)
	}
	if got := o.pageHits.Load(); got != 1 {
		t.Fatalf("磁盘命中不应访问网络，实际网络请求=%d", got)
	}
}

func TestChapterContent_MissingRegionIsNotError(t *testing.T) {
	p, srv := newTestProvider(t, newOrigin(), t.TempDir())
	s, ok, err := p.ChapterContent(context.Background(), srv.URL+"/chapter/11-404")
	if err != nil || ok || s != "" {
		t.Fatalf("期望 ok=false 且无错误，实际 s=%q ok=%v err=%v", s, ok, err)
	}
}

func TestChapterContent_TransportFailureIsError(t *testing.T) {
	o := newOrigin()
	o.status = http.StatusBadGateway
	p, srv := newTestProvider(t, o, t.TempDir())
	_, _, err := p.ChapterContent(context.Background(), srv.URL+"/chapter/11-1")
	var se *httpx.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Fatalf("期望 StatusError(502)，实际=%v", err)
	}
}

func TestChapterContent_CancelledDoesNotPopulateCache(t *testing.T) {
	root := t.TempDir()
	p, srv := newTestProvider(t, newOrigin(), root)
	u := srv.URL + "/chapter/11-1"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := p.ChapterContent(ctx, u); err == nil {
		t.Fatalf("期望取消错误")
	}
	if p.contents.Len() != 0 {
		t.Fatalf("取消的请求不应写入 LRU")
	}
	if _, ok, _ := cache.New(root, false).ReadChapter(ID, u); ok {
		t.Fatalf("取消的请求不应写入磁盘")
	}
}
