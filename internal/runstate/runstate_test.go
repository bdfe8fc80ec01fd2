package runstate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
)

var (
	codeA = jan.MustNormalize("4988601007726")
	codeB = jan.MustNormalize("4901234567894")
	codeC = jan.MustNormalize("4901234567801")

	t0 = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
)

func newTestState(t *testing.T) *State {
	t.Helper()
	s, err := New("run-1", []jan.Code{codeA, codeB, codeC}, 2, t0)
	require.NoError(t, err)
	return s
}

func TestNewValidation(t *testing.T) {
	_, err := New("", []jan.Code{codeA}, 2, t0)
	assert.Error(t, err)
	_, err = New("run-1", nil, 2, t0)
	assert.Error(t, err)
	_, err = New("run-1", []jan.Code{codeA}, 0, t0)
	assert.Error(t, err)
	_, err = New("run-1", []jan.Code{""}, 2, t0)
	assert.Error(t, err)
}

func TestOutstandingReachesZeroAfterAllSources(t *testing.T) {
	s := newTestState(t)

	left := s.RecordPartial(collect.PartialRecord{Code: codeA, Source: "rakuten"}, t0)
	assert.Equal(t, 1, left)

	left = s.RecordFailure(codeA, collect.SourceFailure{Source: "amazon", Kind: collect.FailureSourceError, Detail: "504"}, t0)
	assert.Equal(t, 0, left, "identifier is quiescent once every source resolved")

	assert.Len(t, s.Partials(codeA), 1)
	assert.Len(t, s.Failures(codeA), 1)
}

func TestSetsStayDisjointAndCoverTargets(t *testing.T) {
	s := newTestState(t)

	s.MarkCompleted(codeA, t0)
	s.MarkFailed(codeB, t0)

	st := s.Status()
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Failed)

	// Re-marking an already settled identifier must not double count.
	s.MarkFailed(codeA, t0)
	s.MarkCompleted(codeB, t0)
	st = s.Status()
	assert.Equal(t, 1+1+1, st.Pending+st.Completed+st.Failed)
}

func TestRunCompletesWhenDrained(t *testing.T) {
	s := newTestState(t)
	s.MarkCompleted(codeA, t0)
	s.MarkCompleted(codeB, t0)
	assert.Equal(t, PhaseRunning, s.Phase())
	s.MarkFailed(codeC, t0)
	assert.Equal(t, PhaseCompleted, s.Phase())
}

func TestCancelLeavesPendingForResume(t *testing.T) {
	s := newTestState(t)
	s.MarkCompleted(codeA, t0)
	s.Cancel(t0.Add(time.Minute))

	assert.Equal(t, PhaseCancelled, s.Phase())
	assert.ElementsMatch(t, []jan.Code{codeB, codeC}, s.Pending())

	// A frozen run ignores later phase changes.
	s.Abort(t0.Add(2 * time.Minute))
	assert.Equal(t, PhaseCancelled, s.Phase())
}

func TestRecentErrorsAreBounded(t *testing.T) {
	s := newTestState(t)
	for i := 0; i < 50; i++ {
		s.RecordFailure(codeA, collect.SourceFailure{Source: "amazon", Kind: collect.FailureSourceError, Detail: "boom"}, t0)
	}
	assert.Len(t, s.Status().RecentErrors, 20)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestState(t)
	s.RecordFailure(codeB, collect.SourceFailure{Source: "amazon", Kind: collect.FailureNeedsAdapter, Detail: "layout changed"}, t0)
	s.MarkCompleted(codeA, t0)
	s.CacheAggregate(&collect.AggregateRecord{
		Code:         codeC,
		Completeness: collect.CompletenessOK,
		Sources:      []string{"rakuten"},
	}, t0)

	snap := s.Snapshot()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restored, err := Restore(decoded, 2, t0.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, "run-1", restored.RunID())
	assert.Equal(t, PhaseRunning, restored.Phase())
	assert.ElementsMatch(t, []jan.Code{codeB, codeC}, restored.Pending())
	assert.Equal(t, []jan.Code{codeB}, restored.NeedsFetch(), "completed identifiers are not re-fetched")
	assert.Equal(t, []jan.Code{codeC}, restored.WriteRetries(), "cached aggregate retries only the write")

	cached, ok := restored.CachedAggregate(codeC)
	require.True(t, ok)
	assert.Equal(t, collect.CompletenessOK, cached.Completeness)
	assert.Len(t, restored.Failures(codeB), 1)
}

func TestRestoreRejectsOverlappingSets(t *testing.T) {
	snap := Snapshot{
		RunID:     "run-1",
		Pending:   []jan.Code{codeA},
		Completed: []jan.Code{codeA},
	}
	_, err := Restore(snap, 2, t0)
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	snap := Snapshot{RunID: "run-1", Pending: []jan.Code{codeA}}
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, snap.Pending, got.Pending)

	snap.Phase = PhaseCancelled
	require.NoError(t, store.Save(ctx, snap))
	got, err = store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseCancelled, got.Phase)
}
