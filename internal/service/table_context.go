package service

import (
	"sort"
	"sync"

	"github.com/dumu-tech/mesa-terminal/internal/core"
)

// TableContext is the terminal's local view of table occupancy. Server-owned
// fields are always replaced, never merged: a snapshot or update overwrites
// whatever the terminal believed before.
type TableContext struct {
	mu     sync.RWMutex
	tables map[string]core.Table
}

// NewTableContext creates an empty table registry.
func NewTableContext() *TableContext {
	return &TableContext{tables: make(map[string]core.Table)}
}

// ApplySnapshot replaces the whole registry with an authoritative list.
func (tc *TableContext) ApplySnapshot(tables []core.Table) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.tables = make(map[string]core.Table, len(tables))
	for _, t := range tables {
		tc.tables[t.ID] = t
	}
}

// ApplyUpdate replaces one table's state.
func (tc *TableContext) ApplyUpdate(table core.Table) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.tables[table.ID] = table
}

// Get returns one table by id.
func (tc *TableContext) Get(id string) (core.Table, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	t, ok := tc.tables[id]
	return t, ok
}

// All returns every known table, ordered by zone then name for display.
func (tc *TableContext) All() []core.Table {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]core.Table, 0, len(tc.tables))
	for _, t := range tc.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Zone != out[j].Zone {
			return out[i].Zone < out[j].Zone
		}
		return out[i].Name < out[j].Name
	})
	return out
}
