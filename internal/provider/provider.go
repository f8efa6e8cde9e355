package provider

import (
	"context"

	"github.com/John-Robertt/novelagg/internal/domain"
)

// Provider 把“来源差异”限制在各自的包内部；registry 与上层只依赖这四个操作。
//
// 约束：
// - 所有阻塞操作都接受 ctx；被取消的请求不得写入任何缓存
// - 列表中单条记录缺字段：静默丢弃，不算错误
// - ChapterContent 找不到正文区域：返回 ok=false 且 err=nil（区别于网络失败）
type Provider interface {
	Info() Info
	MainPage(ctx context.Context, q MainPageQuery) (domain.MainPage, error)
	Search(ctx context.Context, query string) ([]domain.SearchResult, error)
	Load(ctx context.Context, detailURL string) (domain.NovelDetail, error)
	ChapterContent(ctx context.Context, chapterURL string) (content string, ok bool, err error)
}

// Info 是来源的静态描述。ID 是 registry 的主键（小写，[a-z0-9_]+）。
type Info struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	MainURL     string   `json:"main_url"`
	HasMainPage bool     `json:"has_main_page"`
	OrderBys    []Option `json:"order_bys,omitempty"`
	Tags        []Option `json:"tags,omitempty"`
}

// Option 是一个可选过滤项（展示名 + 取值）。
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// MainPageQuery 是 list-main-page 的参数；Page 从 1 开始。
type MainPageQuery struct {
	Page     int    `json:"page"`
	Category string `json:"category,omitempty"`
	OrderBy  string `json:"order_by,omitempty"`
	Tag      string `json:"tag,omitempty"`
}
