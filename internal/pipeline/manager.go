package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/ksuzuki/jancollect/internal/runstate"
)

// Manager tracks the runs started in this process and lets the API start,
// inspect, cancel, and resume them.
type Manager struct {
	deps Deps

	mu   sync.Mutex
	runs map[string]*Runner
}

// NewManager validates the shared dependencies once.
func NewManager(deps Deps) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Manager{deps: deps, runs: make(map[string]*Runner)}, nil
}

// StartRun normalizes the targets, starts a run in the background, and
// returns its ID.
func (m *Manager) StartRun(ctx context.Context, rawTargets []string) (string, error) {
	runner, err := NewRun(m.deps, rawTargets)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.runs[runner.RunID()] = runner
	m.mu.Unlock()
	runner.Start(ctx)
	return runner.RunID(), nil
}

// ResumeRun restores a persisted run and continues it.
func (m *Manager) ResumeRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	if existing, ok := m.runs[runID]; ok {
		select {
		case <-existing.Done():
		default:
			m.mu.Unlock()
			return fmt.Errorf("run %s is still in progress", runID)
		}
	}
	m.mu.Unlock()

	runner, err := Resume(ctx, m.deps, runID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.runs[runID] = runner
	m.mu.Unlock()
	runner.Start(ctx)
	return nil
}

// Status reports a run's progress. Runs not held in this process fall back
// to the persisted snapshot.
func (m *Manager) Status(ctx context.Context, runID string) (runstate.Status, error) {
	m.mu.Lock()
	runner, ok := m.runs[runID]
	m.mu.Unlock()
	if ok {
		return runner.Status(), nil
	}
	snap, err := m.deps.Snapshots.Load(ctx, runID)
	if err != nil {
		return runstate.Status{}, err
	}
	return runstate.Status{
		RunID:        snap.RunID,
		Phase:        snap.Phase,
		Pending:      len(snap.Pending),
		Completed:    len(snap.Completed),
		Failed:       len(snap.Failed),
		RecentErrors: snap.RecentErrors,
		StartedAt:    snap.StartedAt,
		UpdatedAt:    snap.UpdatedAt,
	}, nil
}

// Cancel stops a run's scheduling; in-flight fetches finish naturally.
func (m *Manager) Cancel(runID string) error {
	m.mu.Lock()
	runner, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return runstate.ErrRunNotFound
	}
	runner.Cancel()
	return nil
}

// Wait blocks until the run settles, for callers that need synchronous runs.
func (m *Manager) Wait(ctx context.Context, runID string) error {
	m.mu.Lock()
	runner, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return runstate.ErrRunNotFound
	}
	select {
	case <-runner.Done():
		return runner.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
