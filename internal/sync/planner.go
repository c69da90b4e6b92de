package sync

import "sort"

// OrderStrategy selects how tables are ordered for hydration.
type OrderStrategy string

// Ordering strategies.
const (
	// OrderSource preserves the caller-supplied order.
	OrderSource OrderStrategy = "source-order"
	// OrderPriority puts named tables first in listed order, remainder in
	// source order.
	OrderPriority OrderStrategy = "priority-list"
	// OrderSmallestFirst hydrates ascending by record count, minimizing
	// time-to-first-usable-table.
	OrderSmallestFirst OrderStrategy = "smallest-first"
	// OrderLargestFirst hydrates descending by record count, amortizing the
	// long tail.
	OrderLargestFirst OrderStrategy = "largest-first"
)

// TableMeta is the per-table metadata the planner orders by.
type TableMeta struct {
	Name        string
	RecordCount int
}

// PlanTableOrder returns tableIDs reordered per the strategy. Pure function:
// the input slice is not mutated. Unknown strategies fall back to source
// order. Tables missing from meta sort with a zero record count.
func PlanTableOrder(tableIDs []string, meta map[string]TableMeta, strategy OrderStrategy, priority []string) []string {
	ordered := make([]string, len(tableIDs))
	copy(ordered, tableIDs)

	switch strategy {
	case OrderPriority:
		return planPriority(ordered, priority)

	case OrderSmallestFirst:
		sort.SliceStable(ordered, func(i, j int) bool {
			return meta[ordered[i]].RecordCount < meta[ordered[j]].RecordCount
		})

		return ordered

	case OrderLargestFirst:
		sort.SliceStable(ordered, func(i, j int) bool {
			return meta[ordered[i]].RecordCount > meta[ordered[j]].RecordCount
		})

		return ordered

	case OrderSource:
		return ordered

	default:
		return ordered
	}
}

// planPriority moves named tables to the front in listed order; the
// remainder keeps source order. Priority names not present are ignored.
func planPriority(ordered, priority []string) []string {
	present := make(map[string]bool, len(ordered))
	for _, id := range ordered {
		present[id] = true
	}

	front := make([]string, 0, len(priority))
	picked := make(map[string]bool, len(priority))

	for _, id := range priority {
		if present[id] && !picked[id] {
			front = append(front, id)
			picked[id] = true
		}
	}

	rest := make([]string, 0, len(ordered)-len(front))
	for _, id := range ordered {
		if !picked[id] {
			rest = append(rest, id)
		}
	}

	return append(front, rest...)
}
