// Package pagination reads FHIR search paging parameters (_count, _offset)
// and slices result sets accordingly.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts _count and _offset from the echo context, applying
// DefaultLimit and MaxLimit.
func FromContext(c echo.Context) Params {
	return Parse(c.QueryParam("_count"), c.QueryParam("_offset"), DefaultLimit)
}

// Parse builds Params from raw query values. A missing or invalid count
// falls back to def.
func Parse(count, offset string, def int) Params {
	limit, _ := strconv.Atoi(count)
	if limit <= 0 {
		limit = def
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	off, _ := strconv.Atoi(offset)
	if off < 0 {
		off = 0
	}

	return Params{Limit: limit, Offset: off}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// Window returns the [start, end) bounds of the current page within a result
// set of size total.
func (p Params) Window(total int) (start, end int) {
	start = p.Offset
	if start > total {
		start = total
	}
	end = start + p.Limit
	if end > total {
		end = total
	}
	return start, end
}
