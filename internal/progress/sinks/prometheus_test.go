package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
	"github.com/ksuzuki/jancollect/internal/progress"
)

func TestPrometheusSinkCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	code := jan.MustNormalize("4988601007726")
	batch := []progress.Event{
		{RunID: "r", TS: time.Now(), Stage: progress.StageRunStart},
		{RunID: "r", TS: time.Now(), Stage: progress.StageFetchDone, Source: "rakuten", StatusClass: progress.Status2xx, Dur: 120 * time.Millisecond},
		{RunID: "r", TS: time.Now(), Stage: progress.StageFetchDone, Source: "amazon", StatusClass: progress.Status4xx},
		{RunID: "r", TS: time.Now(), Stage: progress.StageFetchRetry, Source: "amazon"},
		{RunID: "r", TS: time.Now(), Stage: progress.StageIdentDone, Code: code},
		{RunID: "r", TS: time.Now(), Stage: progress.StageIdentFailed, Code: code, FailureKind: collect.FailureNeedsAdapter},
		{RunID: "r", TS: time.Now(), Stage: progress.StageRunDone, Dur: time.Minute},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	assert.Equal(t, float64(1), testutil.ToFloat64(sink.runsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.fetches.WithLabelValues("rakuten", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.fetches.WithLabelValues("amazon", "4xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.retries.WithLabelValues("amazon")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.identifiers.WithLabelValues("done", "")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.identifiers.WithLabelValues("failed", "needs-adapter-update")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.runsFinished.WithLabelValues("done")))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	assert.Error(t, err)
}
