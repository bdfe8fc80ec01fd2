package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ksuzuki/jancollect/internal/collect"
)

// Outcome is the terminal result of one fetch attempt, delivered on the
// results channel. Exactly one of Doc/Err is meaningful.
type Outcome struct {
	Task collect.FetchTask
	Doc  collect.RawDocument
	Err  error
}

// Config sizes the scheduler.
type Config struct {
	// GlobalConcurrency bounds in-flight fetches across all sources.
	GlobalConcurrency int
	// FetchTimeout bounds a single fetch attempt.
	FetchTimeout time.Duration
	// ResultBuffer sizes the outcome channel.
	ResultBuffer int
	// Sources maps source name to its rate budget.
	Sources map[string]LimitConfig
}

// Scheduler dispatches fetch tasks to adapters under per-source and global
// limits. Each source runs its own dispatch loop, so a throttled source
// never delays another source's tasks.
type Scheduler struct {
	adapters map[string]collect.Adapter
	limiters map[string]*adaptiveLimiter
	queues   map[string]*taskQueue
	cfg      Config
	global   chan struct{}
	results  chan Outcome
	logger   *zap.Logger

	startOnce sync.Once
	wg        sync.WaitGroup
	inflight  sync.WaitGroup
}

// New builds a Scheduler over the given adapters. Every adapter gets a queue
// and a limiter; sources without explicit config run on defaults.
func New(adapters []collect.Adapter, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("at least one adapter is required")
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 8
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 60 * time.Second
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = cfg.GlobalConcurrency * 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		adapters: make(map[string]collect.Adapter, len(adapters)),
		limiters: make(map[string]*adaptiveLimiter, len(adapters)),
		queues:   make(map[string]*taskQueue, len(adapters)),
		cfg:      cfg,
		global:   make(chan struct{}, cfg.GlobalConcurrency),
		results:  make(chan Outcome, cfg.ResultBuffer),
		logger:   logger,
	}
	for _, a := range adapters {
		name := a.Name()
		if _, dup := s.adapters[name]; dup {
			return nil, fmt.Errorf("duplicate adapter %q", name)
		}
		s.adapters[name] = a
		s.limiters[name] = newAdaptiveLimiter(cfg.Sources[name])
		s.queues[name] = newTaskQueue()
	}
	return s, nil
}

// Start launches the per-source dispatch loops. The results channel closes
// after ctx ends and all in-flight fetches have finished.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for name := range s.adapters {
			s.wg.Add(1)
			go s.runSource(ctx, name)
		}
		go func() {
			s.wg.Wait()
			s.inflight.Wait()
			close(s.results)
		}()
	})
}

// Submit queues a task for its source.
func (s *Scheduler) Submit(task collect.FetchTask) error {
	q, ok := s.queues[task.Source]
	if !ok {
		return fmt.Errorf("unknown source %q", task.Source)
	}
	q.push(task)
	return nil
}

// Results delivers fetch outcomes. Closed once the scheduler has fully
// stopped.
func (s *Scheduler) Results() <-chan Outcome {
	return s.results
}

// Pending reports queued (not yet dispatched) tasks across all sources.
func (s *Scheduler) Pending() int {
	total := 0
	for _, q := range s.queues {
		total += q.pending()
	}
	return total
}

// Interval exposes the current inter-request interval of a source, mainly
// for status output and tests.
func (s *Scheduler) Interval(sourceName string) time.Duration {
	if l, ok := s.limiters[sourceName]; ok {
		return l.Interval()
	}
	return 0
}

func (s *Scheduler) runSource(ctx context.Context, name string) {
	defer s.wg.Done()
	adapter := s.adapters[name]
	limiter := s.limiters[name]
	queue := s.queues[name]
	cfg := s.cfg.Sources[name].withDefaults()
	sem := make(chan struct{}, cfg.MaxConcurrent)

	for {
		task, ok := queue.pop(ctx)
		if !ok {
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		select {
		case s.global <- struct{}{}:
		case <-ctx.Done():
			<-sem
			return
		}

		s.inflight.Add(1)
		go func(task collect.FetchTask) {
			defer s.inflight.Done()
			defer func() { <-sem; <-s.global }()
			s.fetch(ctx, adapter, limiter, task)
		}(task)
	}
}

// fetch runs one attempt. The request context is detached from the dispatch
// context so cancellation lets in-flight requests finish naturally; the
// attempt timeout still applies.
func (s *Scheduler) fetch(ctx context.Context, adapter collect.Adapter, limiter *adaptiveLimiter, task collect.FetchTask) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FetchTimeout)
	defer cancel()

	doc, err := adapter.Fetch(reqCtx, task.Code)
	switch {
	case err == nil:
		limiter.ReportSuccess()
	case errors.Is(err, collect.ErrThrottled):
		limiter.ReportThrottle()
		s.logger.Warn("source throttled, widening interval",
			zap.String("source", task.Source),
			zap.Duration("interval", limiter.Interval()),
		)
	}

	out := Outcome{Task: task, Doc: doc, Err: err}
	select {
	case s.results <- out:
	case <-ctx.Done():
		// Consumer is gone; the identifier stays pending in run state.
		s.logger.Debug("dropping outcome after cancellation",
			zap.String("source", task.Source),
			zap.String("code", task.Code.String()),
		)
	}
}
