package handlers

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/vionex/impact/impact/pkg/store"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// PaginatedResponse wraps one page of a list endpoint.
type PaginatedResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ParsePagination reads limit and offset from the query string. Malformed or
// out-of-range values fall back to defaults; limit is capped at MaxLimit.
func ParsePagination(r *http.Request, defaultLimit int) store.Page {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	q := r.URL.Query()
	return store.Page{
		Limit:  min(queryInt(q, "limit", defaultLimit, 1), MaxLimit),
		Offset: queryInt(q, "offset", 0, 0),
	}
}

func queryInt(q url.Values, key string, fallback, minValue int) int {
	v, err := strconv.Atoi(q.Get(key))
	if err != nil || v < minValue {
		return fallback
	}
	return v
}
