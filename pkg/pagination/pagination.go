package pagination

import (
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
	// MaxOffset bounds how far Collect walks before the requested page.
	MaxOffset = 10000
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the echo context.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	if offset > MaxOffset {
		offset = MaxOffset
	}

	return Params{Limit: limit, Offset: offset}
}

// Collect drains one page from seq: it skips p.Offset items, gathers up to
// p.Limit, and reports whether at least one more item follows. Iteration stops
// at the first error. Offset and limit are clamped as in FromContext.
func Collect[T any](seq iter.Seq2[T, error], p Params) ([]T, bool, error) {
	p = p.clamp()
	items := make([]T, 0, p.Limit)
	skipped := 0
	hasMore := false
	for item, err := range seq {
		if err != nil {
			return nil, false, err
		}
		if skipped < p.Offset {
			skipped++
			continue
		}
		if len(items) == p.Limit {
			hasMore = true
			break
		}
		items = append(items, item)
	}
	return items, hasMore, nil
}

func (p Params) clamp() Params {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Offset > MaxOffset {
		p.Offset = MaxOffset
	}
	return p
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Links   []Link      `json:"links,omitempty"`
}

func NewResponse(data interface{}, p Params, hasMore bool) *Response {
	return &Response{
		Data:    data,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: hasMore,
	}
}

// WithLinks attaches self/next/previous links relative to basePath.
func (r *Response) WithLinks(basePath string, p Params) *Response {
	r.Links = p.Links(basePath, r.HasMore)
	return r
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

// Links generates pagination links for a result page. basePath may already
// carry a query string.
func (p Params) Links(basePath string, hasMore bool) []Link {
	sep := "?"
	if strings.Contains(basePath, "?") {
		sep = "&"
	}
	link := func(rel string, offset int) Link {
		return Link{Relation: rel, URL: fmt.Sprintf("%s%soffset=%d&limit=%d", basePath, sep, offset, p.Limit)}
	}

	links := []Link{link("self", p.Offset)}
	if hasMore {
		links = append(links, link("next", p.NextOffset()))
	}
	if p.HasPrevious() {
		links = append(links, link("previous", p.PreviousOffset()))
	}
	return links
}

// Link represents a single pagination link.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}
