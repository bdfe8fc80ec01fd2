package runstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
)

// Snapshot is the persisted form of a State, written after every transition.
// Partial records are not persisted: a resumed run re-fetches pending
// identifiers unless a cached aggregate lets it retry just the write.
type Snapshot struct {
	RunID        string                                `json:"run_id"`
	Phase        Phase                                 `json:"phase"`
	Pending      []jan.Code                            `json:"pending"`
	Completed    []jan.Code                            `json:"completed"`
	Failed       []jan.Code                            `json:"failed"`
	Failures     map[jan.Code][]collect.SourceFailure  `json:"failures,omitempty"`
	Cached       map[jan.Code]*collect.AggregateRecord `json:"cached_aggregates,omitempty"`
	RecentErrors []string                              `json:"recent_errors,omitempty"`
	StartedAt    time.Time                             `json:"started_at"`
	UpdatedAt    time.Time                             `json:"updated_at"`
}

// Snapshot captures the current journal for persistence.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		RunID:        s.runID,
		Phase:        s.phase,
		Pending:      sortedCodes(s.pending),
		Completed:    sortedCodes(s.completed),
		Failed:       sortedCodes(s.failed),
		RecentErrors: append([]string(nil), s.recentErrors...),
		StartedAt:    s.startedAt,
		UpdatedAt:    s.updatedAt,
	}
	if len(s.failures) > 0 {
		snap.Failures = make(map[jan.Code][]collect.SourceFailure, len(s.failures))
		for code, fs := range s.failures {
			snap.Failures[code] = append([]collect.SourceFailure(nil), fs...)
		}
	}
	if len(s.cached) > 0 {
		snap.Cached = make(map[jan.Code]*collect.AggregateRecord, len(s.cached))
		for code, agg := range s.cached {
			snap.Cached[code] = agg
		}
	}
	return snap
}

// Restore rebuilds a running State from a snapshot. Pending identifiers get
// a fresh fetch budget of sourceCount, except those with a cached aggregate,
// which only need their write retried.
func Restore(snap Snapshot, sourceCount int, now time.Time) (*State, error) {
	if snap.RunID == "" {
		return nil, fmt.Errorf("snapshot has no run id")
	}
	if sourceCount <= 0 {
		return nil, fmt.Errorf("source count must be positive")
	}
	if len(snap.Pending) == 0 {
		return nil, fmt.Errorf("run %s has no pending identifiers to resume", snap.RunID)
	}

	s := &State{
		runID:        snap.RunID,
		phase:        PhaseRunning,
		startedAt:    snap.StartedAt,
		updatedAt:    now,
		pending:      make(map[jan.Code]struct{}, len(snap.Pending)),
		completed:    make(map[jan.Code]struct{}, len(snap.Completed)),
		failed:       make(map[jan.Code]struct{}, len(snap.Failed)),
		outstanding:  make(map[jan.Code]int, len(snap.Pending)),
		partials:     make(map[jan.Code][]collect.PartialRecord),
		failures:     make(map[jan.Code][]collect.SourceFailure, len(snap.Failures)),
		cached:       make(map[jan.Code]*collect.AggregateRecord, len(snap.Cached)),
		recentErrors: append([]string(nil), snap.RecentErrors...),
	}
	for _, code := range snap.Completed {
		s.completed[code] = struct{}{}
	}
	for _, code := range snap.Failed {
		s.failed[code] = struct{}{}
	}
	for code, agg := range snap.Cached {
		s.cached[code] = agg
	}
	for code, fs := range snap.Failures {
		s.failures[code] = append([]collect.SourceFailure(nil), fs...)
	}
	for _, code := range snap.Pending {
		if _, dup := s.completed[code]; dup {
			return nil, fmt.Errorf("identifier %s is both pending and completed", code)
		}
		if _, dup := s.failed[code]; dup {
			return nil, fmt.Errorf("identifier %s is both pending and failed", code)
		}
		s.pending[code] = struct{}{}
		if _, hasCache := s.cached[code]; hasCache {
			s.outstanding[code] = 0
		} else {
			s.outstanding[code] = sourceCount
		}
	}
	return s, nil
}

// NeedsFetch lists pending identifiers without a cached aggregate; these are
// the ones a resumed run schedules.
func (s *State) NeedsFetch() []jan.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	need := make(map[jan.Code]struct{}, len(s.pending))
	for code := range s.pending {
		if _, hasCache := s.cached[code]; !hasCache {
			need[code] = struct{}{}
		}
	}
	return sortedCodes(need)
}

// WriteRetries lists pending identifiers that only need their write retried.
func (s *State) WriteRetries() []jan.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	retry := make(map[jan.Code]struct{}, len(s.cached))
	for code := range s.pending {
		if _, hasCache := s.cached[code]; hasCache {
			retry[code] = struct{}{}
		}
	}
	return sortedCodes(retry)
}

// SnapshotStore persists run snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, runID string) (Snapshot, error)
}

// ErrRunNotFound is returned by Load for unknown run ids.
var ErrRunNotFound = errors.New("run not found")
