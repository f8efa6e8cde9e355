package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/novelagg/internal/domain"
	"github.com/John-Robertt/novelagg/internal/infra/httpx"
	"github.com/John-Robertt/novelagg/internal/provider"
	"github.com/John-Robertt/novelagg/internal/session"
)

type stubProvider struct {
	err  error
	sess *session.Manager

	mu        sync.Mutex
	lastQuery provider.MainPageQuery
}

func (p *stubProvider) query() provider.MainPageQuery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastQuery
}

func (p *stubProvider) Info() provider.Info {
	return provider.Info{ID: "stub", Name: "Stub", HasMainPage: true}
}

func (p *stubProvider) MainPage(_ context.Context, q provider.MainPageQuery) (domain.MainPage, error) {
	p.mu.Lock()
	p.lastQuery = q
	p.mu.Unlock()
	if p.err != nil {
		return domain.MainPage{}, p.err
	}
	return domain.MainPage{URL: "https://stub.test", Items: []domain.SearchResult{{Name: "A", DetailURL: "https://stub.test/a"}}}, nil
}

func (p *stubProvider) Search(_ context.Context, q string) ([]domain.SearchResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return []domain.SearchResult{{Name: "hit:" + q, DetailURL: "https://stub.test/q"}}, nil
}

func (p *stubProvider) Load(_ context.Context, u string) (domain.NovelDetail, error) {
	if p.err != nil {
		return domain.NovelDetail{}, p.err
	}
	return domain.NovelDetail{Title: "A", URL: u, Status: domain.StatusOngoing, Chapters: []domain.Chapter{{Title: "1", URL: u + "/1"}}}, nil
}

func (p *stubProvider) ChapterContent(_ context.Context, u string) (string, bool, error) {
	if p.err != nil {
		return "", false, p.err
	}
	if strings.HasSuffix(u, "/locked") {
		return "", false, nil
	}
	return "<p>body</p>", true, nil
}

func (p *stubProvider) Session() *session.Manager { return p.sess }

func newTestServer(t *testing.T, p *stubProvider) *httptest.Server {
	t.Helper()
	if p.sess == nil {
		p.sess = session.NewManager(session.Options{Source: "stub", Marker: "sid"}, nil, nil)
	}
	reg, err := provider.NewRegistry(p)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	srv := httptest.NewServer(New(reg))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, u, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, u, strings.NewReader(body))
	if err != nil {
		t.Fatalf("构造请求失败：%v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("请求失败：%v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("解析响应失败：%v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthzAndSources(t *testing.T) {
	srv := newTestServer(t, &stubProvider{})
	if code := doJSON(t, http.MethodGet, srv.URL+"/healthz", "", nil); code != http.StatusOK {
		t.Fatalf("healthz 期望 200，实际=%d", code)
	}
	var infos []provider.Info
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/sources", "", &infos); code != http.StatusOK {
		t.Fatalf("期望 200，实际=%d", code)
	}
	if len(infos) != 1 || infos[0].ID != "stub" {
		t.Fatalf("sources 不符：%+v", infos)
	}
}

func TestMainPage_PassesQuery(t *testing.T) {
	p := &stubProvider{}
	srv := newTestServer(t, p)
	var mp domain.MainPage
	code := doJSON(t, http.MethodGet, srv.URL+"/api/sources/stub/main?page=3&order=new&tag=t&category=c", "", &mp)
	if code != http.StatusOK || len(mp.Items) != 1 {
		t.Fatalf("期望 200 且 1 条，实际 code=%d mp=%+v", code, mp)
	}
	want := provider.MainPageQuery{Page: 3, OrderBy: "new", Tag: "t", Category: "c"}
	if got := p.query(); got != want {
		t.Fatalf("查询参数不符：%+v", got)
	}

	var e errorResponse
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/sources/stub/main?page=x", "", &e); code != http.StatusBadRequest || e.Code != ErrCodeBadRequest {
		t.Fatalf("非法 page 期望 400 bad_request，实际 code=%d e=%+v", code, e)
	}
}

func TestSearchDetailChapter(t *testing.T) {
	srv := newTestServer(t, &stubProvider{})

	var res []domain.SearchResult
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/sources/stub/search?q=dragon", "", &res); code != http.StatusOK || res[0].Name != "hit:dragon" {
		t.Fatalf("search 不符：code=%d res=%+v", code, res)
	}

	var d domain.NovelDetail
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/sources/stub/detail?url=https%3A%2F%2Fstub.test%2Fa", "", &d); code != http.StatusOK || d.URL != "https://stub.test/a" || len(d.Chapters) != 1 {
		t.Fatalf("detail 不符：code=%d d=%+v", code, d)
	}
	var e errorResponse
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/sources/stub/detail", "", &e); code != http.StatusBadRequest {
		t.Fatalf("缺少 url 期望 400，实际=%d", code)
	}

	var c chapterResponse
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/sources/stub/chapter?url=https://stub.test/a/1", "", &c); code != http.StatusOK || !c.Found || c.Content != "<p>body</p>" {
		t.Fatalf("chapter 不符：code=%d c=%+v", code, c)
	}
	c = chapterResponse{}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/sources/stub/chapter?url=https://stub.test/a/locked", "", &c); code != http.StatusOK || c.Found {
		t.Fatalf("无正文应返回 found=false，实际 code=%d c=%+v", code, c)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		kind string
	}{
		{provider.NotFound("x"), http.StatusNotFound, "not_found"},
		{&session.AuthError{Source: "stub", Err: session.ErrAuthTimeout}, http.StatusUnauthorized, "auth_failed"},
		{fmt.Errorf("w: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{&httpx.StatusError{URL: "u", StatusCode: 500}, http.StatusBadGateway, "fetch_failed"},
		{httpx.ErrEmptyBody, http.StatusBadGateway, "parse_failed"},
	}
	for _, tc := range cases {
		srv := newTestServer(t, &stubProvider{err: tc.err})
		var e errorResponse
		code := doJSON(t, http.MethodGet, srv.URL+"/api/sources/stub/search?q=a", "", &e)
		if code != tc.code || e.Code != tc.kind || e.Msg == "" {
			t.Fatalf("err=%v 期望 %d/%s，实际 %d/%+v", tc.err, tc.code, tc.kind, code, e)
		}
	}

	srv := newTestServer(t, &stubProvider{})
	var e errorResponse
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/sources/nope/search?q=a", "", &e); code != http.StatusNotFound || e.Code != "not_found" {
		t.Fatalf("未知来源期望 404，实际 %d/%+v", code, e)
	}
}

func TestSessionSaveAndClear(t *testing.T) {
	srv := newTestServer(t, &stubProvider{})

	var s sessionResponse
	code := doJSON(t, http.MethodPost, srv.URL+"/api/sources/stub/session", `{"cookie":"sid=abc; expires=Fri, 01 Jan 2100 00:00:00 GMT"}`, &s)
	if code != http.StatusOK || s.State != session.StateValid || s.Expiry == nil || s.Expiry.Year() != 2100 {
		t.Fatalf("保存会话不符：code=%d s=%+v", code, s)
	}

	s = sessionResponse{}
	if code := doJSON(t, http.MethodDelete, srv.URL+"/api/sources/stub/session", "", &s); code != http.StatusOK || s.State != session.StateNoSession {
		t.Fatalf("清除会话不符：code=%d s=%+v", code, s)
	}

	var e errorResponse
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/sources/stub/session", `not json`, &e); code != http.StatusBadRequest {
		t.Fatalf("非法请求体期望 400，实际=%d", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/sources/stub/session", `{"cookie":""}`, &e); code != http.StatusUnauthorized || e.Code != "auth_failed" {
		t.Fatalf("空 cookie 期望 401 auth_failed，实际 %d/%+v", code, e)
	}
}

func TestStatusFor(t *testing.T) {
	if StatusFor("weird") != http.StatusInternalServerError {
		t.Fatalf("未知分类期望 500")
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("监听失败：%v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("请求失败：%v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("不期望错误：%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve 未在取消后退出")
	}
}
