package pagination

import (
	"net/http"
	"strconv"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Params holds page based pagination extracted from a request.
type Params struct {
	Page  int
	Limit int
}

// FromRequest reads ?page= and ?limit= with defaults and bounds applied.
func FromRequest(r *http.Request) Params {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page <= 0 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return Params{Page: page, Limit: limit}
}

// Offset returns the SQL offset for the page.
func (p Params) Offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// Normalize fills zero values with defaults.
func (p Params) Normalize() Params {
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// Meta is the pagination block returned next to list payloads.
type Meta struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// NewMeta computes the page count for total rows.
func NewMeta(p Params, total int) Meta {
	p = p.Normalize()
	pages := 0
	if total > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Meta{Page: p.Page, Limit: p.Limit, Total: total, Pages: pages}
}

// HasNext reports whether rows remain after the current page.
func (m Meta) HasNext() bool {
	return m.Page < m.Pages
}
