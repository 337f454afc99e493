// Package pricing estimates the token cost of remediation items.
package pricing

import (
	"sort"
	"sync"
)

// DefaultCost applies to issues with no configured or reported price.
const DefaultCost int64 = 500

// Table is a hot-reloadable issue cost table. The zero value is not usable;
// construct with NewTable.
type Table struct {
	mu          sync.RWMutex
	costs       map[string]int64
	defaultCost int64
}

func NewTable(costs map[string]int64, defaultCost int64) *Table {
	t := &Table{}
	t.Update(costs, defaultCost)
	return t
}

// Update swaps the table contents. Non-positive defaults fall back to DefaultCost.
func (t *Table) Update(costs map[string]int64, defaultCost int64) {
	cp := make(map[string]int64, len(costs))
	for id, c := range costs {
		if c >= 0 {
			cp[id] = c
		}
	}
	if defaultCost <= 0 {
		defaultCost = DefaultCost
	}
	t.mu.Lock()
	t.costs = cp
	t.defaultCost = defaultCost
	t.mu.Unlock()
}

// Cost returns the configured price of one issue, or the default.
func (t *Table) Cost(issueID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.costs[issueID]; ok {
		return c
	}
	return t.defaultCost
}

// Estimate sums the price of each issue. A price reported by the Engine for
// that site (reported) wins over the table; the table wins over the default.
// Duplicate ids are charged once.
func (t *Table) Estimate(issueIDs []string, reported map[string]int64) int64 {
	var total int64
	for _, id := range Dedupe(issueIDs) {
		if c, ok := reported[id]; ok && c > 0 {
			total += c
			continue
		}
		total += t.Cost(id)
	}
	return total
}

// Dedupe returns the distinct non-empty ids in sorted order.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
