package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// ErrCodeNotFound 表示 --config 指定的文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

const (
	// FileName 是 cwd 下自动发现的配置文件名（可选）。
	FileName = "novelagg.json"
	// EnvFileName 是 cwd 下自动读取的环境变量文件（可选）。
	EnvFileName = ".env"

	DefaultRateLimit       = 4.0
	DefaultRateBurst       = 8
	DefaultSessionStore    = "file"
	DefaultSnapshotTTL     = 24 * time.Hour
	DefaultSessionPoll     = 500 * time.Millisecond
	DefaultSessionMaxPolls = 120
	DefaultAddr            = "127.0.0.1:8080"
)

// 环境变量名。
const (
	EnvCacheDir     = "NOVELAGG_CACHE_DIR"
	EnvProxyURL     = "NOVELAGG_PROXY_URL"
	EnvSessionStore = "NOVELAGG_SESSION_STORE"
	EnvAddr         = "NOVELAGG_ADDR"
)

// CLIArgs 是 CLI 暴露的全局参数；空串表示未指定。
type CLIArgs struct {
	ConfigPath string
	CacheDir   string
	Addr       string
}

// FileConfig 对应 novelagg.json 的解析结构。
type FileConfig struct {
	CacheDir         string       `json:"cache_dir"`
	Proxy            *ProxyConfig `json:"proxy"`
	RateLimit        *float64     `json:"rate_limit"`
	RateBurst        int          `json:"rate_burst"`
	SessionStore     string       `json:"session_store"`
	SnapshotTTLHours float64      `json:"snapshot_ttl_hours"`
	SessionPollMS    int          `json:"session_poll_ms"`
	SessionMaxPolls  int          `json:"session_max_polls"`
	OfflineChapters  *bool        `json:"offline_chapters"`
	Addr             string       `json:"addr"`
	MVLEmpyr         MVLEmpyrURLs `json:"mvlempyr"`
	Webnovel         WebnovelURLs `json:"webnovel"`
}

type ProxyConfig struct {
	URL string `json:"url"`
}

// MVLEmpyrURLs 与 mvlempyr.Config 字段一一对应（可以直接类型转换）。
type MVLEmpyrURLs struct {
	MainURL    string `json:"main_url"`
	CatalogURL string `json:"catalog_url"`
	PostsURL   string `json:"posts_url"`
	ChapterURL string `json:"chapter_url"`
	AssetsURL  string `json:"assets_url"`
}

// WebnovelURLs 与 webnovel.Config 字段一一对应。
type WebnovelURLs struct {
	MainURL  string `json:"main_url"`
	CoverURL string `json:"cover_url"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	// ConfigPath 是实际读取的配置文件；未读取时为空。
	ConfigPath string

	CacheDir string
	ProxyURL string
	// RateLimit < 0 表示不限速。
	RateLimit float64
	RateBurst int

	SessionStore    string
	SnapshotTTL     time.Duration
	SessionPoll     time.Duration
	SessionMaxPolls int
	OfflineChapters bool
	Addr            string

	MVLEmpyr MVLEmpyrURLs
	Webnovel WebnovelURLs
}

// SessionStorePath 返回会话存储的位置：file 为目录，sqlite 为数据库文件。
func (c EffectiveConfig) SessionStorePath() string {
	if c.SessionStore == "sqlite" {
		return filepath.Join(c.CacheDir, "sessions.db")
	}
	return filepath.Join(c.CacheDir, "sessions")
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件与 .env，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 提供 --config：必须存在
// 2) 否则尝试 <cwd>/novelagg.json（可选）
// 3) <cwd>/.env（可选）只补充进程环境中没有的变量
//
// 覆盖优先级（固定）：
// - cache_dir / proxy.url / session_store / addr：CLI > env > config > 默认
// - 其他字段：仅由 config 控制
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	var (
		cfgPath string
		fc      FileConfig
		exists  bool
	)
	if strings.TrimSpace(cli.ConfigPath) != "" {
		cfgPath = absCleanFrom(cwdAbs, cli.ConfigPath)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
	} else {
		cfgPath = filepath.Join(cwdAbs, FileName)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			cfgPath = ""
		}
	}

	env, err := readEnv(filepath.Join(cwdAbs, EnvFileName))
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: filepath.Join(cwdAbs, EnvFileName), Err: err}
	}
	return merge(cwdAbs, cli, env, fc, cfgPath)
}

func merge(cwd string, cli CLIArgs, env func(string) string, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	invalid := func(format string, args ...any) error {
		return &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf(format, args...)}
	}

	proxyURL := ""
	if fc.Proxy != nil {
		proxyURL = fc.Proxy.URL
	}
	proxyURL = first(env(EnvProxyURL), proxyURL)
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return EffectiveConfig{}, invalid("proxy.url 无效：%w", err)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return EffectiveConfig{}, invalid("proxy.url 必须是 http/https/socks5：%q", proxyURL)
		}
	}

	cacheDir := first(cli.CacheDir, env(EnvCacheDir), fc.CacheDir)
	if cacheDir == "" {
		cacheDir = defaultCacheDir(cwd)
	}
	cacheDir = absCleanFrom(cwd, cacheDir)

	store := strings.ToLower(first(env(EnvSessionStore), fc.SessionStore, DefaultSessionStore))
	if store != "file" && store != "sqlite" {
		return EffectiveConfig{}, invalid("session_store 只能是 file 或 sqlite，实际是 %q", store)
	}

	rateLimit := DefaultRateLimit
	if fc.RateLimit != nil {
		rateLimit = *fc.RateLimit
		if rateLimit == 0 {
			rateLimit = DefaultRateLimit
		}
	}
	burst := fc.RateBurst
	if burst < 0 {
		return EffectiveConfig{}, invalid("rate_burst 不能为负数：%d", burst)
	}
	if burst == 0 {
		burst = DefaultRateBurst
	}

	if fc.SnapshotTTLHours < 0 {
		return EffectiveConfig{}, invalid("snapshot_ttl_hours 不能为负数")
	}
	ttl := DefaultSnapshotTTL
	if fc.SnapshotTTLHours > 0 {
		ttl = time.Duration(fc.SnapshotTTLHours * float64(time.Hour))
	}

	poll := DefaultSessionPoll
	if fc.SessionPollMS > 0 {
		poll = time.Duration(fc.SessionPollMS) * time.Millisecond
	}
	maxPolls := fc.SessionMaxPolls
	if maxPolls <= 0 {
		maxPolls = DefaultSessionMaxPolls
	}
	if maxPolls > 10000 {
		maxPolls = 10000
	}

	offline := true
	if fc.OfflineChapters != nil {
		offline = *fc.OfflineChapters
	}

	mvl := fc.MVLEmpyr
	for _, f := range []struct{ name, v string }{
		{"mvlempyr.main_url", mvl.MainURL},
		{"mvlempyr.catalog_url", mvl.CatalogURL},
		{"mvlempyr.posts_url", mvl.PostsURL},
		{"mvlempyr.chapter_url", mvl.ChapterURL},
		{"mvlempyr.assets_url", mvl.AssetsURL},
		{"webnovel.main_url", fc.Webnovel.MainURL},
		{"webnovel.cover_url", fc.Webnovel.CoverURL},
	} {
		if err := validateBaseURL(f.v); err != nil {
			return EffectiveConfig{}, invalid("%s %v", f.name, err)
		}
	}

	return EffectiveConfig{
		ConfigPath:      cfgPath,
		CacheDir:        cacheDir,
		ProxyURL:        proxyURL,
		RateLimit:       rateLimit,
		RateBurst:       burst,
		SessionStore:    store,
		SnapshotTTL:     ttl,
		SessionPoll:     poll,
		SessionMaxPolls: maxPolls,
		OfflineChapters: offline,
		Addr:            first(cli.Addr, env(EnvAddr), fc.Addr, DefaultAddr),
		MVLEmpyr:        mvl,
		Webnovel:        fc.Webnovel,
	}, nil
}

// validateBaseURL 允许空串（使用内置默认值）；非空时必须是 http/https 绝对 URL。
func validateBaseURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("无效：%q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("必须是 http/https：%q", raw)
	}
	return nil
}

func first(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func defaultCacheDir(cwd string) string {
	if d, err := os.UserCacheDir(); err == nil && d != "" {
		return filepath.Join(d, "novelagg")
	}
	return filepath.Join(cwd, ".novelagg-cache")
}

// readEnv 返回一个查找函数：进程环境优先，其次是 .env 文件中的值。
func readEnv(path string) (func(string) string, error) {
	fileEnv := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		m, err := godotenv.Read(path)
		if err != nil {
			return nil, err
		}
		fileEnv = m
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		return fileEnv[key]
	}, nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 JSON 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
