package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ch1kulya/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/John-Robertt/novelagg/internal/provider"
	"github.com/John-Robertt/novelagg/internal/session"
)

// ErrCodeBadRequest 是参数错误的 error_code（不属于 provider 的错误分类）。
const ErrCodeBadRequest = "bad_request"

// RequestTimeout 覆盖目录首次拉取（60s）外加余量。
const RequestTimeout = 90 * time.Second

// New 返回本地 JSON API 的路由。
func New(reg provider.Registry) http.Handler {
	h := handler{reg: reg}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/api/sources", func(r chi.Router) {
		r.Get("/", h.sources)
		r.Route("/{source}", func(r chi.Router) {
			r.Get("/main", h.mainPage)
			r.Get("/search", h.search)
			r.Get("/detail", h.detail)
			r.Get("/chapter", h.chapter)
			r.Post("/session", h.saveSession)
			r.Delete("/session", h.clearSession)
		})
	})
	return r
}

type handler struct {
	reg provider.Registry
}

func (h handler) sources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.Infos())
}

func (h handler) mainPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := 1
	if s := q.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "page 必须是正整数")
			return
		}
		page = n
	}
	mp, err := h.reg.MainPage(r.Context(), chi.URLParam(r, "source"), provider.MainPageQuery{
		Page:     page,
		Category: q.Get("category"),
		OrderBy:  q.Get("order"),
		Tag:      q.Get("tag"),
	})
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mp)
}

func (h handler) search(w http.ResponseWriter, r *http.Request) {
	res, err := h.reg.Search(r.Context(), chi.URLParam(r, "source"), r.URL.Query().Get("q"))
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h handler) detail(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if strings.TrimSpace(u) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "缺少 url 参数")
		return
	}
	d, err := h.reg.Load(r.Context(), chi.URLParam(r, "source"), u)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type chapterResponse struct {
	Found   bool   `json:"found"`
	Content string `json:"content,omitempty"`
}

func (h handler) chapter(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if strings.TrimSpace(u) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "缺少 url 参数")
		return
	}
	s, ok, err := h.reg.ChapterContent(r.Context(), chi.URLParam(r, "source"), u)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chapterResponse{Found: ok, Content: s})
}

type sessionRequest struct {
	Cookie string `json:"cookie"`
}

type sessionResponse struct {
	Source string        `json:"source"`
	State  session.State `json:"state"`
	Expiry *time.Time    `json:"expiry,omitempty"`
}

func (h handler) saveSession(w http.ResponseWriter, r *http.Request) {
	m, err := h.reg.Session(chi.URLParam(r, "source"))
	if err != nil {
		writeProviderError(w, err)
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "请求体必须是 {\"cookie\": \"...\"}")
		return
	}
	c, err := m.Save(r.Context(), req.Cookie)
	if err != nil {
		writeProviderError(w, provider.Classify(m.Source(), "session", err))
		return
	}
	exp := c.Expiry
	writeJSON(w, http.StatusOK, sessionResponse{Source: m.Source(), State: m.State(), Expiry: &exp})
}

func (h handler) clearSession(w http.ResponseWriter, r *http.Request) {
	m, err := h.reg.Session(chi.URLParam(r, "source"))
	if err != nil {
		writeProviderError(w, err)
		return
	}
	if err := m.Clear(r.Context()); err != nil {
		logger.Error("清除会话失败：%v", err)
		writeError(w, http.StatusInternalServerError, "session_clear_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Source: m.Source(), State: m.State()})
}

// StatusFor 把错误分类映射为 HTTP 状态码。
func StatusFor(kind provider.Kind) int {
	switch kind {
	case provider.KindNotFound:
		return http.StatusNotFound
	case provider.KindAuth:
		return http.StatusUnauthorized
	case provider.KindTimeout:
		return http.StatusGatewayTimeout
	case provider.KindFetch, provider.KindParse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Code string `json:"error_code"`
	Msg  string `json:"error_msg"`
}

func writeProviderError(w http.ResponseWriter, err error) {
	kind := provider.KindOf(err)
	if kind == "" {
		kind = provider.KindFetch
	}
	status := StatusFor(kind)
	if status >= 500 {
		logger.Warn("请求失败：%v", err)
	}
	writeError(w, status, string(kind), err.Error())
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Msg: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写响应失败：%v", err)
	}
}

// Run 监听 addr 直到 ctx 结束，然后在 10s 内优雅关闭。
func Run(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, h)
}

// Serve 与 Run 相同，但使用已打开的 listener。
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("服务监听于 %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("正在关闭服务...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("服务已退出")
	return nil
}
