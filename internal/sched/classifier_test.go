package sched

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksuzuki/jancollect/internal/collect"
)

func TestClassifyDecisionTable(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}

	tests := []struct {
		name     string
		err      error
		attempt  int
		decision Decision
		kind     collect.FailureKind
	}{
		{
			name:     "transient first attempt retries",
			err:      fmt.Errorf("fetch: %w", collect.ErrTransientFetch),
			attempt:  1,
			decision: DecisionRetry,
		},
		{
			name:     "throttled counts as transient",
			err:      collect.ErrThrottled,
			attempt:  1,
			decision: DecisionRetry,
		},
		{
			name:     "transient exhausted fails as source error",
			err:      collect.ErrTransientFetch,
			attempt:  3,
			decision: DecisionFail,
			kind:     collect.FailureSourceError,
		},
		{
			name:     "permanent fails immediately",
			err:      collect.ErrPermanentFetch,
			attempt:  1,
			decision: DecisionFail,
			kind:     collect.FailureSourceError,
		},
		{
			name:     "parse error flags the adapter",
			err:      &collect.ParseError{Source: "rakuten", Reason: "missing title"},
			attempt:  1,
			decision: DecisionFail,
			kind:     collect.FailureNeedsAdapter,
		},
		{
			name:     "cancellation discards",
			err:      context.Canceled,
			attempt:  1,
			decision: DecisionDiscard,
		},
		{
			name:     "deadline retries like transient",
			err:      context.DeadlineExceeded,
			attempt:  1,
			decision: DecisionRetry,
		},
		{
			name:     "unknown error retries",
			err:      errors.New("connection reset"),
			attempt:  1,
			decision: DecisionRetry,
		},
		{
			name:     "unknown error exhausted fails",
			err:      errors.New("connection reset"),
			attempt:  3,
			decision: DecisionFail,
			kind:     collect.FailureSourceError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := policy.Classify(tt.err, tt.attempt)
			assert.Equal(t, tt.decision, v.Decision)
			if tt.decision == DecisionFail {
				assert.Equal(t, tt.kind, v.Kind)
			}
			if tt.decision == DecisionRetry {
				assert.Positive(t, v.Delay)
			}
		})
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: 8 * time.Second, MaxAttempts: 10}

	for attempt := 1; attempt <= 6; attempt++ {
		want := time.Second << (attempt - 1)
		if want > 8*time.Second {
			want = 8 * time.Second
		}
		for i := 0; i < 20; i++ {
			d := policy.Backoff(attempt)
			assert.GreaterOrEqual(t, d, want/2, "attempt %d", attempt)
			assert.Less(t, d, want, "attempt %d", attempt)
		}
	}
}

func TestAbortMonitorTripsPastThreshold(t *testing.T) {
	m := NewAbortMonitor(0.5, 4)

	require.NoError(t, m.Record(true))
	require.NoError(t, m.Record(true), "below minimum sample")
	require.NoError(t, m.Record(false))

	err := m.Record(true)
	require.ErrorIs(t, err, collect.ErrRunAborted)
	assert.True(t, m.Tripped())

	assert.ErrorIs(t, m.Record(false), collect.ErrRunAborted, "stays tripped")
}

func TestAbortMonitorToleratesFailuresUnderThreshold(t *testing.T) {
	m := NewAbortMonitor(0.5, 4)
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Record(i%3 == 0))
	}
	assert.False(t, m.Tripped())
}
