package repository

import (
	"fmt"
	"strings"
)

const (
	DefaultLimit = 20
	MaxLimit     = 200
)

// Op is a comparison allowed in list filters.
type Op string

const (
	OpEq  Op = "="
	OpGTE Op = ">="
	OpLT  Op = "<"
)

func (op Op) valid() bool {
	switch op {
	case OpEq, OpGTE, OpLT:
		return true
	}
	return false
}

// Filter is one `field op value` condition. Filters in a ListOptions are ANDed.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// ListOptions selects one page of rows ordered by recency.
type ListOptions struct {
	Offset    int      `json:"offset"`
	Limit     int      `json:"limit"`
	OrderDesc bool     `json:"order_desc"`
	Filters   []Filter `json:"filters"`
}

// Where appends a condition and returns o for chaining.
func (o *ListOptions) Where(field string, op Op, value any) *ListOptions {
	o.Filters = append(o.Filters, Filter{Field: field, Op: op, Value: value})
	return o
}

// Paginate converts a 1-based page number. Non-positive inputs fall back to
// page 1 and DefaultLimit.
func (o *ListOptions) Paginate(page, size int) *ListOptions {
	page = max(page, 1)
	if size < 1 {
		size = DefaultLimit
	}
	o.Offset, o.Limit = (page-1)*size, size
	return o
}

// Validate fills the default limit and rejects out of range paging or malformed filters.
func (o *ListOptions) Validate() error {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	switch {
	case o.Limit > MaxLimit:
		return fmt.Errorf("limit %d exceeds %d", o.Limit, MaxLimit)
	case o.Offset < 0:
		return fmt.Errorf("offset %d is negative", o.Offset)
	}
	for i, f := range o.Filters {
		switch {
		case f.Field == "":
			return fmt.Errorf("filter %d has no field", i)
		case !f.Op.valid():
			return fmt.Errorf("filter %s: operator %q not allowed", f.Field, f.Op)
		case f.Value == nil:
			return fmt.Errorf("filter %s: nil value", f.Field)
		}
	}
	return nil
}

// WhereClause renders the filters as " WHERE a = ? AND b >= ?". columns maps
// filter fields to SQL columns and doubles as the allow-list.
func (o ListOptions) WhereClause(columns map[string]string) (string, []any, error) {
	if len(o.Filters) == 0 {
		return "", nil, nil
	}
	var b strings.Builder
	args := make([]any, 0, len(o.Filters))
	for i, f := range o.Filters {
		col, ok := columns[f.Field]
		if !ok {
			return "", nil, fmt.Errorf("cannot filter on %q", f.Field)
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s %s ?", col, f.Op)
		args = append(args, f.Value)
	}
	return b.String(), args, nil
}

// Page is one page of a list query plus the counters clients page with.
type Page[T any] struct {
	Items      []T   `json:"items"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
	HasMore    bool  `json:"has_more"`
}

// NewPage expects opts to have passed Validate, so Limit is positive.
func NewPage[T any](items []T, total int64, opts ListOptions) Page[T] {
	if items == nil {
		items = []T{}
	}
	size := int64(opts.Limit)
	return Page[T]{
		Items:      items,
		Total:      total,
		Page:       opts.Offset/opts.Limit + 1,
		PageSize:   opts.Limit,
		TotalPages: int((total + size - 1) / size),
		HasMore:    int64(opts.Offset+len(items)) < total,
	}
}
