// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: table.go — Arena of thread records
//
// Purpose:
//   - Allocates Thread records and maps IDs back to them.
//
// Notes:
//   - IDs are dense and never reused; run queues size their link arenas
//     from the largest ID seen.
// ─────────────────────────────────────────────────────────────────────────────

package thread

import (
	"sync"

	"schedcore/constants"
)

// Table owns every thread of one scheduler instance.
type Table struct {
	mu      sync.RWMutex
	threads []*Thread
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{threads: make([]*Thread, 0, 64)}
}

// Create allocates a timeshare thread at the default priority.
func (tb *Table) Create(name string) *Thread {
	return tb.CreateAt(name, constants.BasePriDefault)
}

// CreateAt allocates a timeshare thread at base priority pri.
func (tb *Table) CreateAt(name string, pri int) *Thread {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t := &Thread{}
	t.Init(ID(len(tb.threads)), name, pri)
	tb.threads = append(tb.threads, t)
	return t
}

// Get returns the thread for id, or nil.
func (tb *Table) Get(id ID) *Thread {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if int(id) >= len(tb.threads) {
		return nil
	}
	return tb.threads[id]
}

// Len returns the number of threads ever created.
func (tb *Table) Len() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return len(tb.threads)
}

// Each calls fn on every thread until fn returns false.
func (tb *Table) Each(fn func(*Thread) bool) {
	tb.mu.RLock()
	snapshot := tb.threads
	tb.mu.RUnlock()
	for _, t := range snapshot {
		if !fn(t) {
			return
		}
	}
}
