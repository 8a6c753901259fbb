// Package view computes derived projections of a record list.
//
// All functions are pure: they never modify their input and always return a
// fresh slice or map, so the same input yields the same output.
package view

import (
	"cmp"
	"fmt"
	"slices"
)

// Order is a sort direction.
type Order int

const (
	Ascending Order = iota
	Descending
)

func (o Order) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}

// ParseOrder accepts "asc" or "desc"; empty means ascending.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "asc":
		return Ascending, nil
	case "desc":
		return Descending, nil
	}
	return Ascending, fmt.Errorf("invalid sort order %q (want asc or desc)", s)
}

// Filter returns the records for which keep reports true, in input order.
// A nil predicate keeps everything.
func Filter[R any](recs []R, keep func(R) bool) []R {
	out := make([]R, 0, len(recs))
	for _, r := range recs {
		if keep == nil || keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// SortBy returns a copy of recs stably sorted by key.
func SortBy[R any, K cmp.Ordered](recs []R, key func(R) K, order Order) []R {
	return SortByFunc(recs, func(a, b R) int { return cmp.Compare(key(a), key(b)) }, order)
}

// SortByFunc returns a copy of recs stably sorted by compare. Equal records
// keep their input order in both directions.
func SortByFunc[R any](recs []R, compare func(a, b R) int, order Order) []R {
	out := slices.Clone(recs)
	if compare == nil {
		return out
	}
	slices.SortStableFunc(out, func(a, b R) int {
		c := compare(a, b)
		if order == Descending {
			return -c
		}
		return c
	})
	return out
}

// CountBy groups recs by key and counts each group.
func CountBy[R any, K comparable](recs []R, key func(R) K) map[K]int {
	out := make(map[K]int)
	for _, r := range recs {
		out[key(r)]++
	}
	return out
}

// Query bundles a filter and a sort so callers can hold them as state.
type Query[R any] struct {
	Keep    func(R) bool
	Compare func(a, b R) int
	Order   Order
}

// Apply filters then sorts recs.
func (q Query[R]) Apply(recs []R) []R {
	return SortByFunc(Filter(recs, q.Keep), q.Compare, q.Order)
}
