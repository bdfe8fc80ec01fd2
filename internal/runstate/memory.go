package runstate

import (
	"context"
	"sync"
)

// MemoryStore keeps snapshots in memory, for tests and single-process runs.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

// NewMemoryStore returns an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

// Save stores the snapshot, replacing any prior snapshot of the run.
func (m *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.RunID] = snap
	return nil
}

// Load returns the latest snapshot of a run.
func (m *MemoryStore) Load(_ context.Context, runID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[runID]
	if !ok {
		return Snapshot{}, ErrRunNotFound
	}
	return snap, nil
}
