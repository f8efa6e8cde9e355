package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ch1kulya/logger"

	"github.com/John-Robertt/novelagg/internal/infra/flight"
)

const (
	// DefaultValidity 是磁盘快照的有效期。
	DefaultValidity = 24 * time.Hour
	// DefaultLoadTimeout 是一次共享加载（磁盘判定 + 批量拉取）的总时限。
	DefaultLoadTimeout = 2 * time.Minute
)

// Record 是目录中的一条原始记录（扁平 key-value，数字为 json.Number）。
type Record map[string]any

// String 返回字符串字段；缺失或类型不符时 ok=false。
func (r Record) String(key string) (string, bool) {
	s, ok := r[key].(string)
	return s, ok
}

// Number 返回数字字段；缺失或类型不符时 ok=false。
func (r Record) Number(key string) (json.Number, bool) {
	n, ok := r[key].(json.Number)
	return n, ok
}

// Snapshot 是某个来源“整目录”的内存 + 磁盘两级缓存。
//
// 约束：
//   - 进程内最多加载一次（除非显式 Invalidate）
//   - 磁盘副本仅在 now - modTime < Validity 时可信
//   - 并发的首次访问收敛为一次加载；单个调用方取消不影响其他等待者
//   - 加载失败/被取消时不改变内存状态
type Snapshot struct {
	Source   string
	Store    Store
	Validity time.Duration
	// Fetch 一次性拉取完整远端目录（JSON 数组）。
	Fetch func(ctx context.Context) ([]byte, error)
	// LoadTimeout <= 0 时使用 DefaultLoadTimeout。
	LoadTimeout time.Duration
	// Now 为 nil 时使用 time.Now。
	Now func() time.Time

	mu      sync.RWMutex
	records []Record
	loaded  bool

	group flight.Group
}

// ErrFetch 包装批量拉取失败（且没有有效磁盘快照）。
var ErrFetch = errors.New("snapshot: 拉取目录失败")

// EnsureLoaded 保证目录已在内存中并返回它。返回的切片不可修改。
func (s *Snapshot) EnsureLoaded(ctx context.Context) ([]Record, error) {
	if recs, ok := s.cached(); ok {
		return recs, nil
	}

	v, err := s.group.Do(ctx, "load", func(ctx context.Context) (any, error) {
		if recs, ok := s.cached(); ok {
			return recs, nil
		}
		timeout := s.LoadTimeout
		if timeout <= 0 {
			timeout = DefaultLoadTimeout
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		recs, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.records = recs
		s.loaded = true
		s.mu.Unlock()
		return recs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Record), nil
}

// Loaded 表示内存中是否已有目录。
func (s *Snapshot) Loaded() bool {
	_, ok := s.cached()
	return ok
}

// Invalidate 丢弃内存副本；下次 EnsureLoaded 重新走磁盘/网络判定。磁盘文件保持不变。
func (s *Snapshot) Invalidate() {
	s.mu.Lock()
	s.records = nil
	s.loaded = false
	s.mu.Unlock()
}

func (s *Snapshot) cached() ([]Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records, s.loaded
}

func (s *Snapshot) load(ctx context.Context) ([]Record, error) {
	validity := s.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}

	b, modTime, ok, err := s.Store.ReadSnapshot(s.Source)
	if err != nil {
		logger.Warn("snapshot %s: 读取磁盘快照失败：%v", s.Source, err)
	} else if ok && s.now().Sub(modTime) < validity {
		recs, derr := DecodeRecords(b)
		if derr == nil {
			logger.Info("snapshot %s: 从磁盘加载 %d 条（%s 前写入）", s.Source, len(recs), s.now().Sub(modTime).Round(time.Second))
			return recs, nil
		}
		logger.Warn("snapshot %s: 磁盘快照损坏，改为重新拉取：%v", s.Source, derr)
	}

	if s.Fetch == nil {
		return nil, fmt.Errorf("%w：%s 未配置 Fetch", ErrFetch, s.Source)
	}
	body, err := s.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w：%w", ErrFetch, err)
	}
	recs, err := DecodeRecords(body)
	if err != nil {
		return nil, err
	}
	if err := s.Store.WriteSnapshot(s.Source, body); err != nil {
		// 磁盘写失败只影响下次启动，内存副本照常可用。
		logger.Warn("snapshot %s: 写入磁盘快照失败：%v", s.Source, err)
	}
	logger.Info("snapshot %s: 从网络拉取 %d 条", s.Source, len(recs))
	return recs, nil
}

func (s *Snapshot) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// DecodeRecords 解析 JSON 数组形态的目录；非对象元素被忽略。
func DecodeRecords(b []byte) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw []json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("目录不是 JSON 数组：%w", err)
	}
	out := make([]Record, 0, len(raw))
	for _, m := range raw {
		d := json.NewDecoder(bytes.NewReader(m))
		d.UseNumber()
		var r Record
		if err := d.Decode(&r); err != nil || r == nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
