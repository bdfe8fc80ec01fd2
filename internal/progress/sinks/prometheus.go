package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ksuzuki/jancollect/internal/progress"
)

// PrometheusSink exports pipeline progress metrics. It owns all collectors
// for runs, per-source fetch counters, and identifier outcomes.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	identifiers   *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jancollect_runs_started_total",
			Help: "Total collection runs started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jancollect_runs_finished_total",
			Help: "Total runs finished partitioned by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jancollect_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jancollect_fetches_total",
			Help: "Fetch completions partitioned by source and status class.",
		}, []string{"source", "status_class"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jancollect_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by source.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"source"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jancollect_fetch_retries_total",
			Help: "Fetch retries scheduled, partitioned by source.",
		}, []string{"source"}),
		identifiers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jancollect_identifiers_total",
			Help: "Identifier outcomes partitioned by result and failure kind.",
		}, []string{"result", "kind"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runDuration,
		s.fetches,
		s.fetchDuration,
		s.retries,
		s.identifiers,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
	case progress.StageRunDone:
		s.runsFinished.WithLabelValues("done").Inc()
		s.runDuration.WithLabelValues("done").Observe(evt.Dur.Seconds())
	case progress.StageRunAborted:
		s.runsFinished.WithLabelValues("aborted").Inc()
		s.runDuration.WithLabelValues("aborted").Observe(evt.Dur.Seconds())
	case progress.StageFetchDone:
		s.fetches.WithLabelValues(evt.Source, string(evt.StatusClass)).Inc()
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
		}
	case progress.StageFetchRetry:
		s.retries.WithLabelValues(evt.Source).Inc()
	case progress.StageIdentDone:
		s.identifiers.WithLabelValues("done", "").Inc()
	case progress.StageIdentFailed:
		s.identifiers.WithLabelValues("failed", string(evt.FailureKind)).Inc()
	}
}

// Close implements the Sink interface; collectors stay registered.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
