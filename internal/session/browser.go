package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// JarBrowser 用独立 cookie jar 反复请求登录页来模拟“加载页面并等待 cookie 写入”。
//
// 不执行 JS：只适用于服务端通过 Set-Cookie 下发标记的来源；
// 需要真实渲染的来源应提供自己的 Browser 实现。
type JarBrowser struct {
	Client    *http.Client
	UserAgent string
}

func (b JarBrowser) Open(ctx context.Context, rawURL string) (Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	c := http.Client{Jar: jar}
	if b.Client != nil {
		c.Transport = b.Client.Transport
		c.Timeout = b.Client.Timeout
	}
	return &jarPage{client: &c, jar: jar, u: u, ua: b.UserAgent}, nil
}

type jarPage struct {
	client *http.Client
	jar    *cookiejar.Jar
	u      *url.URL
	ua     string
}

// Cookies 重新加载一次页面，然后返回 jar 中该 URL 的全部 cookie。
func (p *jarPage) Cookies(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.u.String(), nil)
	if err != nil {
		return "", err
	}
	if p.ua != "" {
		req.Header.Set("User-Agent", p.ua)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("登录页 HTTP %d", resp.StatusCode)
	}

	cs := p.jar.Cookies(p.u)
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; "), nil
}

func (p *jarPage) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
