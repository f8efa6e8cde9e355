package domain

import "strings"

// SearchResult 是列表/搜索得到的一条作品摘要。
//
// 约束：DetailURL 是同一来源内的稳定主键；其余字段缺失允许为空。
type SearchResult struct {
	Name              string `json:"name"`
	DetailURL         string `json:"detail_url"`
	PosterURL         string `json:"poster_url,omitempty"`
	TotalChapterCount string `json:"total_chapter_count,omitempty"`
	ChapterLabel      string `json:"chapter_label,omitempty"`
	LibraryStatus     string `json:"library_status,omitempty"`
}

// Chapter 的主键是 URL；章节列表按阅读顺序（旧 -> 新）排列。
type Chapter struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// MainPage 是 list-main-page 的返回：来源的规范首页 URL + 当前页条目。
type MainPage struct {
	URL   string         `json:"url"`
	Items []SearchResult `json:"items"`
}

// NovelDetail 独占自己的章节序列（刷新时整体替换，不做原地修改）。
type NovelDetail struct {
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Author    string    `json:"author,omitempty"`
	PosterURL string    `json:"poster_url,omitempty"`
	Synopsis  string    `json:"synopsis,omitempty"`
	Status    Status    `json:"status"`
	Chapters  []Chapter `json:"chapters"`
}

type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
)

// ParseStatus 把来源给出的状态字符串归一化；无法识别时返回 StatusOngoing。
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "complete", "finished", "end", "ended":
		return StatusCompleted
	case "paused", "hiatus", "on hold", "on_hold", "dropped":
		return StatusPaused
	default:
		return StatusOngoing
	}
}
