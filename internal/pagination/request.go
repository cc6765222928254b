package pagination

import (
	"strconv"
	"strings"

	"github.com/ukydev/fleet-assistance/internal/apperr"
)

// Order selects the direction of a range scan. The zero value lets the
// listing pick its own default.
type Order string

const (
	OrderDefault Order = ""
	OrderAsc     Order = "asc"
	OrderDesc    Order = "desc"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Request carries the paging inputs of a listing call.
type Request struct {
	Limit  int
	Cursor string
	Order  Order
}

// Descending resolves the request order against the listing default.
func (r Request) Descending(defaultDesc bool) bool {
	switch r.Order {
	case OrderAsc:
		return false
	case OrderDesc:
		return true
	default:
		return defaultDesc
	}
}

// EffectiveLimit clamps Limit into [1, MaxLimit], using DefaultLimit for zero.
func (r Request) EffectiveLimit() int {
	switch {
	case r.Limit <= 0:
		return DefaultLimit
	case r.Limit > MaxLimit:
		return MaxLimit
	default:
		return r.Limit
	}
}

// ParseOrder accepts "", "asc" and "desc" in any case.
func ParseOrder(s string) (Order, error) {
	switch o := Order(strings.ToLower(strings.TrimSpace(s))); o {
	case OrderDefault, OrderAsc, OrderDesc:
		return o, nil
	default:
		return "", apperr.ErrInvalidQuery.WithMessage("order must be asc or desc, got %q", s)
	}
}

// ParseLimit reads an optional positive limit from a query string value.
func ParseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, apperr.ErrInvalidQuery.WithMessage("limit must be a positive integer, got %q", s)
	}
	return n, nil
}

// Page is one slice of a listing with the token for the next slice.
// NextCursor is empty when the listing is exhausted.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}
