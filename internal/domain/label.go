package domain

import (
	"strconv"
	"strings"
)

// ChapterCountLabel 生成列表卡片上的章节数角标。
//
// 规则：
// - 空串：不显示
// - 数值 0：不显示
// - 数值 > 0："N ch"
// - 其它（例如 "V5 46"、负数）：原样 + " ch"
func ChapterCountLabel(count string) (string, bool) {
	count = strings.TrimSpace(count)
	if count == "" {
		return "", false
	}
	n, err := strconv.Atoi(count)
	if err != nil {
		return count + " ch", true
	}
	if n == 0 {
		return "", false
	}
	if n > 0 {
		return strconv.Itoa(n) + " ch", true
	}
	return count + " ch", true
}

// FriendlyReadStatus 把书架分组名（例如 PLAN_TO_READ）映射为角标文字。
// 未知分组原样返回。
func FriendlyReadStatus(section string) string {
	switch strings.ToUpper(strings.TrimSpace(section)) {
	case "PLAN_TO_READ", "READING", "DOWNLOADS":
		return "Library"
	case "DROPPED":
		return "Dropped"
	case "COMPLETED":
		return "Completed"
	case "ON_HOLD":
		return "On Hold"
	case "HISTORY":
		return "History"
	default:
		return section
	}
}
