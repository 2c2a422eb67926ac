// Package pagination turns page/page_size request parameters into
// offset/limit pairs for list queries.
package pagination

import (
	"net/url"
	"strconv"
)

// Params are validated pagination parameters.
type Params struct {
	Page     int // 1-based
	PageSize int
	Offset   int
}

const (
	MaxPageSize     = 100
	DefaultPage     = 1
	DefaultPageSize = 20
)

func calculateOffset(page, size int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * size
}

// New clamps page and size. A page below 1 becomes 1, a size below 1 the
// default and a size above MaxPageSize the maximum.
func New(page, size int) Params {
	if page < 1 {
		page = DefaultPage
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return Params{Page: page, PageSize: size, Offset: calculateOffset(page, size)}
}

// FromQuery reads page and page_size from q. Unparseable values fall back
// to the defaults.
func FromQuery(q url.Values) Params {
	page, size := DefaultPage, DefaultPageSize
	if v, err := strconv.Atoi(q.Get("page")); err == nil {
		page = v
	}
	if v, err := strconv.Atoi(q.Get("page_size")); err == nil {
		size = v
	} else if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		size = v
	}
	return New(page, size)
}

// HasMore reports whether rows remain after this page.
func (p Params) HasMore(total int) bool {
	return p.Offset+p.PageSize < total
}
