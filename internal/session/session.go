package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ch1kulya/logger"

	"github.com/John-Robertt/novelagg/internal/infra/flight"
)

const (
	DefaultTTL          = 24 * time.Hour
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMaxPolls     = 120
)

// Credential 是某个来源的已认证会话。
type Credential struct {
	Cookie    string    `json:"cookie"`
	CSRFToken string    `json:"csrf_token,omitempty"`
	Expiry    time.Time `json:"-"`
}

// Valid 报告凭据在 now 时刻是否可用（now >= Expiry 即视为过期）。
func (c Credential) Valid(now time.Time) bool {
	return strings.TrimSpace(c.Cookie) != "" && now.Before(c.Expiry)
}

// State 是会话状态机的当前状态。
type State string

const (
	StateNoSession State = "no_session"
	StateFetching  State = "fetching"
	StateValid     State = "valid"
	StateExpired   State = "expired"
)

// ErrAuthTimeout 表示在轮询上限/超时内没有等到标记 cookie。
var ErrAuthTimeout = errors.New("session: 等待会话 cookie 超时")

// AuthError 表示会话无法建立（页面加载失败、CSRF token 缺失等）。
type AuthError struct {
	Source string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Source, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Store 按来源持久化会话（cookie 原文 + 过期时间）。
type Store interface {
	Load(ctx context.Context, source string) (Credential, bool, error)
	Save(ctx context.Context, source string, c Credential) error
	Clear(ctx context.Context, source string) error
}

// Browser 抽象“加载登录页并读取其 cookie jar”的脚本化页面。
type Browser interface {
	Open(ctx context.Context, url string) (Page, error)
}

// Page 是一个已打开的页面；Close 必须释放底层渲染资源。
type Page interface {
	// Cookies 返回页面当前 cookie（Cookie 头格式："k=v; k2=v2"）。
	Cookies(ctx context.Context) (string, error)
	Close() error
}

// Options 描述一个来源的会话获取方式。
type Options struct {
	Source   string
	LoginURL string
	// Marker 出现在 cookie 中即视为会话建立（例如 "_csrfToken"、"PHPSESSID"）。
	Marker string
	// CSRFCookie 非空时必须能从 cookie 中提取该名字的值，否则视为 AuthError。
	CSRFCookie string

	PollInterval time.Duration
	MaxPolls     int
	// Timeout 是一次完整获取（打开页面 + 轮询）的总时限；0 表示 PollInterval*MaxPolls + 10s。
	Timeout time.Duration
	TTL     time.Duration
}

// Manager 实现 NoSession -> Fetching -> Valid -> (Expired -> Fetching) 状态机。
//
// 约束：
// - 过期凭据永远不会交给调用方
// - 同一来源同时最多一次脚本化获取；并发调用共享同一结果，单个调用方取消不影响其他人
// - Save / Clear 是外部覆盖，绕过状态机；获取期间发生的覆盖优先于获取结果
type Manager struct {
	opts    Options
	store   Store
	browser Browser
	now     func() time.Time

	mu       sync.Mutex
	cred     *Credential
	fetching bool
	// gen 在每次 Save / Clear 时递增。
	gen uint64

	// wmu 串行化“检查 gen + 写内存 + 写存储”。
	wmu sync.Mutex

	group flight.Group
}

func NewManager(opts Options, store Store, browser Browser) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = DefaultMaxPolls
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = opts.PollInterval*time.Duration(opts.MaxPolls) + 10*time.Second
	}
	return &Manager{opts: opts, store: store, browser: browser, now: time.Now}
}

// SetClock 用于测试。
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) Source() string { return m.opts.Source }

// State 返回当前状态（过期是惰性判定的）。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.fetching:
		return StateFetching
	case m.cred == nil:
		return StateNoSession
	case !m.cred.Valid(m.now()):
		return StateExpired
	default:
		return StateValid
	}
}

// Credential 返回一个有效凭据：内存 -> 持久化存储 -> 脚本化获取。
func (m *Manager) Credential(ctx context.Context) (Credential, error) {
	if c, ok := m.memory(); ok {
		return c, nil
	}

	v, err := m.group.Do(ctx, "credential", func(ctx context.Context) (any, error) {
		gen := m.generation()
		if c, ok := m.memory(); ok {
			return c, nil
		}
		if c, ok := m.fromStore(ctx); ok {
			m.commit(ctx, gen, c, false)
			return c, nil
		}

		m.setFetching(true)
		defer m.setFetching(false)

		c, err := m.acquire(ctx)
		if err != nil {
			return nil, err
		}
		if !m.commit(ctx, gen, c, true) {
			// 获取期间被 Save / Clear 覆盖：结果只交给本次等待的调用方。
			logger.Info("session %s: 获取期间会话被外部覆盖，丢弃本次结果", m.opts.Source)
			if cur, ok := m.memory(); ok {
				return cur, nil
			}
			return c, nil
		}
		logger.Info("session %s: 已获取新会话（过期于 %s）", m.opts.Source, c.Expiry.Format(time.RFC3339))
		return c, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Save 以外部提供的 cookie 原文覆盖当前会话。
func (m *Manager) Save(ctx context.Context, rawCookie string) (Credential, error) {
	c, err := m.build(rawCookie)
	if err != nil {
		return Credential{}, err
	}
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.store != nil {
		if err := m.store.Save(ctx, m.opts.Source, c); err != nil {
			return Credential{}, err
		}
	}
	m.mu.Lock()
	m.gen++
	m.cred = &c
	m.mu.Unlock()
	return c, nil
}

// Clear 丢弃内存与持久化的会话。
func (m *Manager) Clear(ctx context.Context) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	m.mu.Lock()
	m.gen++
	m.cred = nil
	m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	return m.store.Clear(ctx, m.opts.Source)
}

func (m *Manager) generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// commit 仅在 gen 未变时写入内存（persist 时同时写存储）；返回是否写入。
func (m *Manager) commit(ctx context.Context, gen uint64, c Credential, persist bool) bool {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.generation() != gen {
		return false
	}
	if persist && m.store != nil {
		if err := m.store.Save(ctx, m.opts.Source, c); err != nil {
			logger.Warn("session %s: 持久化会话失败：%v", m.opts.Source, err)
		}
	}
	m.set(c)
	return true
}

func (m *Manager) memory() (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return Credential{}, false
	}
	if !m.cred.Valid(m.now()) {
		return Credential{}, false
	}
	return *m.cred, true
}

func (m *Manager) fromStore(ctx context.Context) (Credential, bool) {
	if m.store == nil {
		return Credential{}, false
	}
	c, ok, err := m.store.Load(ctx, m.opts.Source)
	if err != nil {
		logger.Warn("session %s: 读取持久化会话失败：%v", m.opts.Source, err)
		return Credential{}, false
	}
	if !ok {
		return Credential{}, false
	}
	if !c.Valid(m.now()) || !strings.Contains(c.Cookie, m.opts.Marker) {
		logger.Info("session %s: 持久化会话已过期或无效，重新获取", m.opts.Source)
		return Credential{}, false
	}
	if m.opts.CSRFCookie != "" && c.CSRFToken == "" {
		c.CSRFToken = cookieValue(c.Cookie, m.opts.CSRFCookie)
		if c.CSRFToken == "" {
			return Credential{}, false
		}
	}
	return c, true
}

func (m *Manager) set(c Credential) {
	m.mu.Lock()
	m.cred = &c
	m.mu.Unlock()
}

func (m *Manager) setFetching(v bool) {
	m.mu.Lock()
	m.fetching = v
	m.mu.Unlock()
}

// acquire 打开登录页并按固定间隔轮询 cookie，直到出现 Marker 或达到上限。
// 返回前总会关闭页面（包括被取消的情况）。
func (m *Manager) acquire(ctx context.Context) (Credential, error) {
	if m.browser == nil {
		return Credential{}, &AuthError{Source: m.opts.Source, Err: errors.New("未配置 Browser")}
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	page, err := m.browser.Open(ctx, m.opts.LoginURL)
	if err != nil {
		return Credential{}, m.waitErr(ctx, err)
	}
	defer page.Close()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for i := 0; i < m.opts.MaxPolls; i++ {
		cookies, err := page.Cookies(ctx)
		if err != nil {
			return Credential{}, m.waitErr(ctx, err)
		}
		if m.opts.Marker != "" && strings.Contains(cookies, m.opts.Marker) {
			return m.build(cookies)
		}
		select {
		case <-ctx.Done():
			return Credential{}, m.waitErr(ctx, ctx.Err())
		case <-ticker.C:
		}
	}
	return Credential{}, &AuthError{Source: m.opts.Source, Err: ErrAuthTimeout}
}

// waitErr 把超时归类为 ErrAuthTimeout，调用方主动取消则原样返回。
func (m *Manager) waitErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &AuthError{Source: m.opts.Source, Err: ErrAuthTimeout}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &AuthError{Source: m.opts.Source, Err: err}
}

func (m *Manager) build(raw string) (Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credential{}, &AuthError{Source: m.opts.Source, Err: errors.New("cookie 为空")}
	}
	now := m.now()
	c := Credential{Cookie: raw, Expiry: now.Add(m.opts.TTL)}
	if exp, ok := ParseExpiry(raw); ok {
		c.Expiry = exp
	}
	if m.opts.CSRFCookie != "" {
		c.CSRFToken = cookieValue(raw, m.opts.CSRFCookie)
		if c.CSRFToken == "" {
			return Credential{}, &AuthError{Source: m.opts.Source, Err: fmt.Errorf("cookie 中缺少 %s", m.opts.CSRFCookie)}
		}
	}
	return c, nil
}

var expiresRE = regexp.MustCompile(`(?i)expires=([^;]+)`)

// ParseExpiry 从 Set-Cookie 风格的 "expires=<HTTP-date>" 属性中解析过期时间。
func ParseExpiry(cookie string) (time.Time, bool) {
	m := expiresRE.FindStringSubmatch(cookie)
	if m == nil {
		return time.Time{}, false
	}
	v := strings.TrimSpace(m[1])
	for _, layout := range []string{time.RFC1123, "Mon, 02-Jan-2006 15:04:05 MST", time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// cookieValue 提取 "name=value" 中的 value；不存在返回空串。
func cookieValue(cookie, name string) string {
	for _, part := range strings.Split(cookie, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k == name {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
