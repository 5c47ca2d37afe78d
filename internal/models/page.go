package models

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is one page of a newest-first listing.
type Page[T any] struct {
	Items    []T   `json:"items"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

// NormalizePage clamps page to >= 1 and size to [1, MaxPageSize], defaulting size when unset.
func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// Offset returns the row offset of a normalized page.
func Offset(page, size int) int {
	return (page - 1) * size
}
