package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// DefaultTimeout 是单次 GET 的默认超时（未在 Options 中指定时使用）。
const DefaultTimeout = 20 * time.Second

// StatusError 表示站点返回了非 2xx 的 HTTP 状态码。
type StatusError struct {
	URL        string
	StatusCode int
	Location   string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	loc := strings.TrimSpace(e.Location)
	if loc == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d location=%s", e.StatusCode, loc)
}

// ErrEmptyBody 表示 2xx 响应但 body 为空。
var ErrEmptyBody = errors.New("响应 body 为空")

// Options 是单次 GET 的可选参数。
type Options struct {
	Headers map[string]string
	// Timeout <= 0 时使用 DefaultTimeout。
	Timeout time.Duration
}

// Getter 是 provider 依赖的最小抓取接口（便于在测试中替换）。
type Getter interface {
	Get(ctx context.Context, url string, o Options) (*Response, error)
}

// Fetcher 是基于 *http.Client 的 Getter 实现。
type Fetcher struct {
	Client *http.Client
}

func NewFetcher(c *http.Client) *Fetcher {
	if c == nil {
		c = http.DefaultClient
	}
	return &Fetcher{Client: c}
}

// Get 执行 GET 并把 body 完整读入内存。
//
// 非 2xx 返回 *StatusError；超时通过 ctx 实现，调用方可用 errors.Is(err, context.DeadlineExceeded) 判断。
func (f *Fetcher) Get(ctx context.Context, u string, o Options) (*Response, error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range o.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: u, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{URL: u, StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

// Response 是已读完的响应。
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) Text() string { return string(r.Body) }

// JSON 把 body 解码到 v；数字保留为 json.Number（避免 10 变成 "10.0" 之类的格式漂移）。
func (r *Response) JSON(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return ErrEmptyBody
	}
	dec := json.NewDecoder(bytes.NewReader(r.Body))
	dec.UseNumber()
	return dec.Decode(v)
}

// Document 把 body 解析为 HTML 文档。
func (r *Response) Document() (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
}
