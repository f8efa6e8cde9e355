package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ch1kulya/logger"

	"github.com/John-Robertt/novelagg/internal/config"
	"github.com/John-Robertt/novelagg/internal/infra/cache"
	"github.com/John-Robertt/novelagg/internal/infra/httpx"
	"github.com/John-Robertt/novelagg/internal/provider"
	"github.com/John-Robertt/novelagg/internal/provider/mvlempyr"
	"github.com/John-Robertt/novelagg/internal/provider/webnovel"
	"github.com/John-Robertt/novelagg/internal/session"
)

// app 持有进程级共享状态；每个进程只构造一次。
type app struct {
	reg    provider.Registry
	closer func() error
}

func newApp(eff config.EffectiveConfig) (*app, error) {
	client, err := httpx.NewClient(httpx.ClientOptions{
		ProxyURL: eff.ProxyURL,
		Rate:     eff.RateLimit,
		Burst:    eff.RateBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("构造 HTTP client 失败：%w", err)
	}

	var (
		sessions session.Store
		closer   = func() error { return nil }
	)
	switch eff.SessionStore {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(eff.SessionStorePath()), 0o755); err != nil {
			return nil, err
		}
		s, err := session.OpenSQLite(eff.SessionStorePath())
		if err != nil {
			return nil, fmt.Errorf("打开会话数据库失败：%w", err)
		}
		sessions, closer = s, s.Close
	default:
		sessions = session.FileStore{Dir: eff.SessionStorePath()}
	}

	rt := provider.Runtime{
		HTTP:             httpx.NewFetcher(client),
		Store:            cache.New(eff.CacheDir, false),
		Sessions:         sessions,
		Browser:          session.JarBrowser{Client: client, UserAgent: webnovel.MobileUserAgent},
		SnapshotValidity: eff.SnapshotTTL,
		SessionPoll:      eff.SessionPoll,
		SessionMaxPolls:  eff.SessionMaxPolls,
		OfflineChapters:  eff.OfflineChapters,
	}
	reg, err := provider.NewRegistry(
		mvlempyr.New(rt, mvlempyr.Config(eff.MVLEmpyr)),
		webnovel.New(rt, webnovel.Config(eff.Webnovel)),
	)
	if err != nil {
		_ = closer()
		return nil, err
	}

	lib, err := loadLibrary(filepath.Join(eff.CacheDir, libraryFile))
	if err != nil {
		logger.Warn("读取书架索引失败：%v", err)
	} else if lib != nil {
		reg.Library = lib
	}
	return &app{reg: reg, closer: closer}, nil
}

func (a *app) Close() {
	if err := a.closer(); err != nil {
		logger.Warn("关闭会话存储失败：%v", err)
	}
}

type sessionOutput struct {
	Source string        `json:"source"`
	State  session.State `json:"state"`
}

// session 执行已校验过参数的 session save|clear。
func (a *app) session(ctx context.Context, sub, source, cookie string) (any, error) {
	m, err := a.reg.Session(source)
	if err != nil {
		return nil, err
	}
	if sub == "save" {
		_, err = m.Save(ctx, cookie)
	} else {
		err = m.Clear(ctx)
	}
	if err != nil {
		return nil, provider.Classify(m.Source(), "session", err)
	}
	return sessionOutput{Source: m.Source(), State: m.State()}, nil
}

// libraryFile 是书架索引：{"<书名>": "<分组>"}，由外部阅读器维护。
const libraryFile = "library.json"

type fileLibrary map[string]string

func (l fileLibrary) ReadStatus(name string) (string, bool) {
	s, ok := l[name]
	return s, ok
}

// loadLibrary 文件不存在时返回 nil, nil。
func loadLibrary(path string) (provider.LibraryIndex, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%s 不是 {书名: 分组} 形式：%w", path, err)
	}
	return fileLibrary(m), nil
}
