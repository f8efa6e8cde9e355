package provider

// Paginate 返回第 page 页（从 1 开始）：items[(page-1)*size : page*size]。
// 越界返回空切片；page < 1 按第 1 页处理。
func Paginate[T any](items []T, page, size int) []T {
	if size <= 0 {
		return []T{}
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(items) {
		return []T{}
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return out
}
