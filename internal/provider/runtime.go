package provider

import (
	"time"

	"github.com/John-Robertt/novelagg/internal/infra/cache"
	"github.com/John-Robertt/novelagg/internal/infra/httpx"
	"github.com/John-Robertt/novelagg/internal/session"
)

// Runtime 是进程级共享状态：启动时构造一次，按引用传给每个 provider 构造函数。
// 各 provider 自己的 LRU/快照挂在 provider 实例上，实例本身也只构造一次。
type Runtime struct {
	HTTP     httpx.Getter
	Store    cache.Store
	Sessions session.Store
	Browser  session.Browser

	SnapshotValidity time.Duration
	SessionPoll      time.Duration
	SessionMaxPolls  int
	// OfflineChapters=true 时章节正文写穿到磁盘，并优先从磁盘读取。
	OfflineChapters bool
}
