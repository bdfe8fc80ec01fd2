// Package runstate tracks one run's progress: which identifiers are still
// pending, which completed, which permanently failed, plus the partial
// records and cached aggregates needed to resume after a crash.
//
// A State is mutated by exactly one goroutine (the pipeline's outcome
// consumer); the internal mutex only makes concurrent Status reads safe.
package runstate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
)

// Phase is the lifecycle stage of a run.
type Phase string

// Run phases.
const (
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseCancelled Phase = "cancelled"
	PhaseAborted   Phase = "aborted"
)

// NewRunID returns a time-ordered unique run identifier.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// State is the journal of one run.
type State struct {
	mu sync.Mutex

	runID     string
	phase     Phase
	startedAt time.Time
	updatedAt time.Time

	pending   map[jan.Code]struct{}
	completed map[jan.Code]struct{}
	failed    map[jan.Code]struct{}

	// outstanding counts source fetches still unresolved per identifier;
	// reconciliation waits for it to reach zero.
	outstanding map[jan.Code]int
	partials    map[jan.Code][]collect.PartialRecord
	failures    map[jan.Code][]collect.SourceFailure

	// cached holds aggregates whose write failed, so a resumed run retries
	// only the write.
	cached map[jan.Code]*collect.AggregateRecord

	recentErrors []string
}

// New starts a journal over the target identifiers, each expected to be
// fetched from sourceCount sources.
func New(runID string, targets []jan.Code, sourceCount int, now time.Time) (*State, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("at least one target identifier is required")
	}
	if sourceCount <= 0 {
		return nil, fmt.Errorf("source count must be positive")
	}
	s := &State{
		runID:       runID,
		phase:       PhaseRunning,
		startedAt:   now,
		updatedAt:   now,
		pending:     make(map[jan.Code]struct{}, len(targets)),
		completed:   make(map[jan.Code]struct{}),
		failed:      make(map[jan.Code]struct{}),
		outstanding: make(map[jan.Code]int, len(targets)),
		partials:    make(map[jan.Code][]collect.PartialRecord),
		failures:    make(map[jan.Code][]collect.SourceFailure),
		cached:      make(map[jan.Code]*collect.AggregateRecord),
	}
	for _, code := range targets {
		if code.IsZero() {
			return nil, fmt.Errorf("empty identifier in target set")
		}
		s.pending[code] = struct{}{}
		s.outstanding[code] = sourceCount
	}
	return s, nil
}

// RunID returns the run identifier.
func (s *State) RunID() string { return s.runID }

// Phase returns the current lifecycle stage.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Pending lists identifiers not yet completed or failed, sorted.
func (s *State) Pending() []jan.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedCodes(s.pending)
}

// RecordPartial stores one source's parsed record and resolves one
// outstanding fetch. It returns the number of fetches still outstanding for
// the identifier.
func (s *State) RecordPartial(p collect.PartialRecord, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partials[p.Code] = append(s.partials[p.Code], p)
	return s.resolveLocked(p.Code, now)
}

// RecordFailure stores one source's terminal failure and resolves one
// outstanding fetch. It returns the number of fetches still outstanding.
func (s *State) RecordFailure(code jan.Code, f collect.SourceFailure, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[code] = append(s.failures[code], f)
	s.pushErrorLocked(fmt.Sprintf("%s %s: %s (%s)", f.Source, code, f.Detail, f.Kind))
	return s.resolveLocked(code, now)
}

func (s *State) resolveLocked(code jan.Code, now time.Time) int {
	if n := s.outstanding[code]; n > 0 {
		s.outstanding[code] = n - 1
	}
	s.updatedAt = now
	return s.outstanding[code]
}

// Partials returns the partial records accumulated for an identifier.
func (s *State) Partials(code jan.Code) []collect.PartialRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]collect.PartialRecord, len(s.partials[code]))
	copy(out, s.partials[code])
	return out
}

// Failures returns the source failures recorded for an identifier.
func (s *State) Failures(code jan.Code) []collect.SourceFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]collect.SourceFailure, len(s.failures[code]))
	copy(out, s.failures[code])
	return out
}

// CacheAggregate remembers an aggregate whose write has not succeeded yet.
// The identifier stays pending so a resumed run retries the write.
func (s *State) CacheAggregate(agg *collect.AggregateRecord, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached[agg.Code] = agg
	s.updatedAt = now
}

// CachedAggregate returns the write-retry aggregate for an identifier, if any.
func (s *State) CachedAggregate(code jan.Code) (*collect.AggregateRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.cached[code]
	return agg, ok
}

// NoteWriteRejected records a failed write in the error log. The identifier
// stays pending with its cached aggregate.
func (s *State) NoteWriteRejected(code jan.Code, detail string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushErrorLocked(fmt.Sprintf("writer %s: %s (%s)", code, detail, collect.FailureWriteRejected))
	s.updatedAt = now
}

// MarkCompleted moves an identifier from pending to completed and drops its
// write-retry cache.
func (s *State) MarkCompleted(code jan.Code, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[code]; !ok {
		return
	}
	delete(s.pending, code)
	delete(s.cached, code)
	s.completed[code] = struct{}{}
	s.updatedAt = now
	s.finishIfDrainedLocked()
}

// MarkFailed moves an identifier from pending to failed. Used when every
// source gave up and no aggregate could be built.
func (s *State) MarkFailed(code jan.Code, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[code]; !ok {
		return
	}
	delete(s.pending, code)
	s.failed[code] = struct{}{}
	s.updatedAt = now
	s.finishIfDrainedLocked()
}

func (s *State) finishIfDrainedLocked() {
	if len(s.pending) == 0 && s.phase == PhaseRunning {
		s.phase = PhaseCompleted
	}
}

// Cancel freezes the run. Identifiers still pending stay pending so the run
// can resume.
func (s *State) Cancel(now time.Time) {
	s.setPhase(PhaseCancelled, now)
}

// Abort freezes the run after the failure-rate threshold tripped. In-flight
// identifiers stay pending, not failed, for a clean resume.
func (s *State) Abort(now time.Time) {
	s.setPhase(PhaseAborted, now)
}

func (s *State) setPhase(p Phase, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseRunning {
		return
	}
	s.phase = p
	s.updatedAt = now
}

func (s *State) pushErrorLocked(msg string) {
	const keep = 20
	s.recentErrors = append(s.recentErrors, msg)
	if len(s.recentErrors) > keep {
		s.recentErrors = s.recentErrors[len(s.recentErrors)-keep:]
	}
}

// Status is the operator-facing summary of a run.
type Status struct {
	RunID        string    `json:"run_id"`
	Phase        Phase     `json:"phase"`
	Pending      int       `json:"pending"`
	Completed    int       `json:"completed"`
	Failed       int       `json:"failed"`
	RecentErrors []string  `json:"recent_errors,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Status summarizes the run for the status endpoint.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := make([]string, len(s.recentErrors))
	copy(errs, s.recentErrors)
	return Status{
		RunID:        s.runID,
		Phase:        s.phase,
		Pending:      len(s.pending),
		Completed:    len(s.completed),
		Failed:       len(s.failed),
		RecentErrors: errs,
		StartedAt:    s.startedAt,
		UpdatedAt:    s.updatedAt,
	}
}

func sortedCodes(set map[jan.Code]struct{}) []jan.Code {
	out := make([]jan.Code, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
