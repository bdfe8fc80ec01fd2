package writer

import (
	"context"
	"fmt"
	"sync"

	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
)

// MemoryStore keeps upserted records in memory, for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[jan.Code]collect.AggregateRecord
	upserts int

	// FailNext makes the next Upsert fail, to exercise write-retry paths.
	FailNext bool
}

// NewMemoryStore returns an empty in-memory product store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[jan.Code]collect.AggregateRecord)}
}

// Upsert replaces the row for the record's identifier.
func (m *MemoryStore) Upsert(_ context.Context, rec collect.AggregateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext {
		m.FailNext = false
		return &collect.WriteError{Code: rec.Code, Err: fmt.Errorf("simulated write failure")}
	}
	if rec.Code.IsZero() {
		return fmt.Errorf("aggregate record has no identifier")
	}
	m.rows[rec.Code] = rec
	m.upserts++
	return nil
}

// Get returns the stored row for an identifier.
func (m *MemoryStore) Get(code jan.Code) (collect.AggregateRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[code]
	return rec, ok
}

// Len returns the number of distinct rows.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Upserts returns the total number of successful writes.
func (m *MemoryStore) Upserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}
