package engine

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/stratboard/stratboard/internal/live/view"
	"github.com/stratboard/stratboard/internal/schema"
)

// Filter selects the tasks shown by Records. Zero values match everything.
type Filter struct {
	Status schema.Status
	Tag    string
	Search string // case-insensitive substring of title or description
}

// Match reports whether t passes the filter.
func (f Filter) Match(t schema.Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Tag != "" && !slices.Contains(t.Tags, f.Tag) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(t.Title), q) &&
			!strings.Contains(strings.ToLower(t.Description), q) {
			return false
		}
	}
	return true
}

// SortField names the key Records sorts by. SortNone keeps store order.
type SortField string

const (
	SortNone     SortField = ""
	SortCreated  SortField = "created"
	SortUpdated  SortField = "updated"
	SortPriority SortField = "priority"
	SortDue      SortField = "due"
	SortTitle    SortField = "title"
	SortStatus   SortField = "status"
)

// SortFields lists the accepted sort keys.
var SortFields = []SortField{SortCreated, SortUpdated, SortPriority, SortDue, SortTitle, SortStatus}

// ParseSortField validates s.
func ParseSortField(s string) (SortField, error) {
	if s == "" {
		return SortNone, nil
	}
	f := SortField(s)
	if !slices.Contains(SortFields, f) {
		return SortNone, fmt.Errorf("invalid sort field %q", s)
	}
	return f, nil
}

// Sort is a sort key and direction.
type Sort struct {
	Field SortField
	Order view.Order
}

var statusRank = map[schema.Status]int{
	schema.StatusOpen:       0,
	schema.StatusInProgress: 1,
	schema.StatusDone:       2,
}

func (f SortField) compare() func(a, b schema.Task) int {
	switch f {
	case SortCreated:
		return func(a, b schema.Task) int { return a.CreatedAt.Compare(b.CreatedAt) }
	case SortUpdated:
		return func(a, b schema.Task) int { return a.UpdatedAt.Compare(b.UpdatedAt) }
	case SortPriority:
		return func(a, b schema.Task) int { return cmp.Compare(a.Priority, b.Priority) }
	case SortTitle:
		return func(a, b schema.Task) int {
			return cmp.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
		}
	case SortStatus:
		return func(a, b schema.Task) int { return cmp.Compare(statusRank[a.Status], statusRank[b.Status]) }
	case SortDue:
		// Tasks without a due date sort after dated ones.
		return func(a, b schema.Task) int {
			switch {
			case a.DueAt == nil && b.DueAt == nil:
				return 0
			case a.DueAt == nil:
				return 1
			case b.DueAt == nil:
				return -1
			}
			return a.DueAt.Compare(*b.DueAt)
		}
	}
	return nil
}

func buildQuery(f Filter, s Sort) view.Query[schema.Task] {
	return view.Query[schema.Task]{
		Keep:    f.Match,
		Compare: s.Field.compare(),
		Order:   s.Order,
	}
}

// CountByStatus counts tasks per status, including statuses with no tasks.
func CountByStatus(tasks []schema.Task) map[schema.Status]int {
	counts := view.CountBy(tasks, func(t schema.Task) schema.Status { return t.Status })
	for _, s := range []schema.Status{schema.StatusOpen, schema.StatusInProgress, schema.StatusDone} {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts
}
