// Package pipeline orchestrates a collection run: it feeds fetch tasks to
// the scheduler, classifies outcomes, accumulates partial records, reconciles
// at quiescence, writes aggregates, and journals every transition so a run
// can resume after interruption.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ksuzuki/jancollect/internal/archive"
	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
	"github.com/ksuzuki/jancollect/internal/progress"
	"github.com/ksuzuki/jancollect/internal/reconcile"
	"github.com/ksuzuki/jancollect/internal/runstate"
	"github.com/ksuzuki/jancollect/internal/sched"
	"github.com/ksuzuki/jancollect/internal/source"
)

// Deps are the collaborators a Runner needs. Registry, Writer, Snapshots,
// and Reconciler are required; the rest default to no-ops or system
// implementations.
type Deps struct {
	Registry   *source.Registry
	Writer     collect.ProductWriter
	Snapshots  runstate.SnapshotStore
	Reconciler *reconcile.Reconciler
	Archive    collect.BlobStore
	Publisher  collect.Publisher
	Emitter    progress.Emitter
	Clock      collect.Clock
	Logger     *zap.Logger

	SchedulerConfig sched.Config
	RetryPolicy     sched.RetryPolicy
	AbortThreshold  float64
	AbortMinSample  int
	// Topic is the Pub/Sub topic run completion events go to.
	Topic string
}

func (d Deps) validate() error {
	if d.Registry == nil || len(d.Registry.Names()) == 0 {
		return fmt.Errorf("source registry with at least one adapter is required")
	}
	if d.Writer == nil {
		return fmt.Errorf("product writer is required")
	}
	if d.Snapshots == nil {
		return fmt.Errorf("snapshot store is required")
	}
	if d.Reconciler == nil {
		return fmt.Errorf("reconciler is required")
	}
	return nil
}

type nopEmitter struct{}

func (nopEmitter) Emit(progress.Event) {}

// Runner executes one run. All state mutation happens on the consume loop
// goroutine; Status and Cancel are safe from any goroutine.
type Runner struct {
	deps    Deps
	state   *runstate.State
	sources []string
	abort   *sched.AbortMonitor

	cancel  context.CancelFunc
	done    chan struct{}
	doneErr error

	// settled counts identifiers that reached a terminal disposition in
	// this process (completed, failed, or parked on a write failure).
	settled int
	parked  map[jan.Code]bool
	total   int
	drained bool

	startOnce sync.Once
}

// NewRun builds a Runner over a fresh run for the given raw identifiers.
// Every input must normalize; the run refuses to start otherwise.
func NewRun(deps Deps, rawTargets []string) (*Runner, error) {
	targets, err := NormalizeTargets(rawTargets)
	if err != nil {
		return nil, err
	}
	r, err := newRunner(deps)
	if err != nil {
		return nil, err
	}
	state, err := runstate.New(runstate.NewRunID(), targets, len(r.sources), r.deps.Clock.Now())
	if err != nil {
		return nil, err
	}
	r.state = state
	r.total = len(targets)
	return r, nil
}

// Resume rebuilds a Runner from a persisted snapshot. Completed and failed
// identifiers are left alone; pending ones are re-fetched, except those with
// a cached aggregate, which only retry the write.
func Resume(ctx context.Context, deps Deps, runID string) (*Runner, error) {
	r, err := newRunner(deps)
	if err != nil {
		return nil, err
	}
	snap, err := r.deps.Snapshots.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", runID, err)
	}
	state, err := runstate.Restore(snap, len(r.sources), r.deps.Clock.Now())
	if err != nil {
		return nil, err
	}
	r.state = state
	r.total = len(state.NeedsFetch()) + len(state.WriteRetries())
	return r, nil
}

func newRunner(deps Deps) (*Runner, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = collect.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = nopEmitter{}
	}
	return &Runner{
		deps:    deps,
		sources: deps.Registry.Names(),
		abort:   sched.NewAbortMonitor(deps.AbortThreshold, deps.AbortMinSample),
		done:    make(chan struct{}),
		parked:  make(map[jan.Code]bool),
	}, nil
}

// NormalizeTargets validates and deduplicates raw identifier inputs before
// any network call happens.
func NormalizeTargets(raw []string) ([]jan.Code, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no target identifiers given")
	}
	seen := make(map[jan.Code]struct{}, len(raw))
	out := make([]jan.Code, 0, len(raw))
	for _, s := range raw {
		code, err := jan.Normalize(s)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", s, err)
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out, nil
}

// RunID returns the run identifier.
func (r *Runner) RunID() string { return r.state.RunID() }

// Status reports the run's current counts and recent errors.
func (r *Runner) Status() runstate.Status { return r.state.Status() }

// Done is closed once the run has settled and its final snapshot persisted.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Err returns the terminal error after Done is closed; nil for a run that
// drained normally, collect.ErrRunAborted for a tripped abort.
func (r *Runner) Err() error {
	select {
	case <-r.done:
		return r.doneErr
	default:
		return nil
	}
}

// Cancel stops scheduling new fetches. In-flight requests finish naturally
// and the persisted state leaves their identifiers pending for resume.
func (r *Runner) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Start launches the run in the background. It returns immediately; watch
// Done for completion.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		go r.run(runCtx)
	})
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	startedAt := r.deps.Clock.Now()
	logger := r.deps.Logger.With(zap.String("run_id", r.RunID()))

	r.emit(progress.Event{Stage: progress.StageRunStart})
	r.persist(logger)

	// Write retries first: identifiers with a cached aggregate need no
	// fetching at all.
	for _, code := range r.state.WriteRetries() {
		agg, ok := r.state.CachedAggregate(code)
		if !ok {
			continue
		}
		r.writeAggregate(ctx, logger, code, agg)
		r.persist(logger)
	}

	scheduler, err := sched.New(r.adapterList(), r.deps.SchedulerConfig, logger)
	if err != nil {
		logger.Error("scheduler setup failed", zap.Error(err))
		r.doneErr = err
		return
	}
	scheduler.Start(ctx)

	needFetch := r.state.NeedsFetch()
	for _, code := range needFetch {
		for _, src := range r.sources {
			task := collect.FetchTask{Code: code, Source: src, Attempt: 1}
			if err := scheduler.Submit(task); err != nil {
				logger.Error("submit task failed", zap.Error(err))
			}
		}
	}

	r.consume(ctx, logger, scheduler)

	switch {
	case r.abort.Tripped():
		r.state.Abort(r.deps.Clock.Now())
		r.doneErr = collect.ErrRunAborted
		r.emit(progress.Event{Stage: progress.StageRunAborted, Dur: r.deps.Clock.Now().Sub(startedAt)})
	case !r.drained && ctx.Err() != nil && r.state.Phase() == runstate.PhaseRunning:
		r.state.Cancel(r.deps.Clock.Now())
	default:
		r.emit(progress.Event{Stage: progress.StageRunDone, Dur: r.deps.Clock.Now().Sub(startedAt)})
	}
	r.persist(logger)
	r.publishCompletion(logger)
	logger.Info("run finished",
		zap.String("phase", string(r.state.Phase())),
		zap.Int("completed", r.state.Status().Completed),
		zap.Int("failed", r.state.Status().Failed),
	)
}

func (r *Runner) adapterList() []collect.Adapter {
	return r.deps.Registry.Adapters()
}

// consume is the single mutator of run state. It drains scheduler outcomes
// until every identifier settles, the run aborts, or the context ends.
func (r *Runner) consume(ctx context.Context, logger *zap.Logger, scheduler *sched.Scheduler) {
	for r.settled < r.total {
		select {
		case outcome, ok := <-scheduler.Results():
			if !ok {
				return
			}
			if aborted := r.handleOutcome(ctx, logger, scheduler, outcome); aborted {
				r.Cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
	// All identifiers settled; stop the dispatch loops.
	r.drained = true
	r.Cancel()
}

func (r *Runner) handleOutcome(ctx context.Context, logger *zap.Logger, scheduler *sched.Scheduler, outcome sched.Outcome) (aborted bool) {
	now := r.deps.Clock.Now()
	task := outcome.Task

	if outcome.Err != nil {
		verdict := r.deps.RetryPolicy.Classify(outcome.Err, task.Attempt)
		switch verdict.Decision {
		case sched.DecisionRetry:
			retry := task
			retry.Attempt++
			retry.NotBefore = now.Add(verdict.Delay)
			if err := scheduler.Submit(retry); err != nil {
				logger.Error("resubmit failed", zap.Error(err))
				return r.recordFailure(logger, task, collect.FailureSourceError, outcome.Err, now)
			}
			r.emit(progress.Event{
				Stage:  progress.StageFetchRetry,
				Source: task.Source,
				Code:   task.Code,
				Note:   outcome.Err.Error(),
			})
			return false
		case sched.DecisionDiscard:
			return false
		default:
			kind := verdict.Kind
			var parseErr *collect.ParseError
			if errors.As(outcome.Err, &parseErr) {
				r.archiveDocument(ctx, logger, outcome.Doc, parseErr)
			}
			return r.recordFailure(logger, task, kind, outcome.Err, now)
		}
	}

	r.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		Source:      task.Source,
		Code:        task.Code,
		StatusClass: progress.ClassifyStatus(outcome.Doc.StatusCode),
		Dur:         now.Sub(outcome.Doc.FetchedAt),
	})

	adapter, ok := r.deps.Registry.Get(task.Source)
	if !ok {
		return r.recordFailure(logger, task, collect.FailureSourceError, fmt.Errorf("no adapter for %q", task.Source), now)
	}
	partial, err := adapter.Parse(outcome.Doc)
	if err != nil {
		var parseErr *collect.ParseError
		if errors.As(err, &parseErr) {
			r.archiveDocument(ctx, logger, outcome.Doc, parseErr)
		}
		return r.recordFailure(logger, task, collect.FailureNeedsAdapter, err, now)
	}

	left := r.state.RecordPartial(partial, now)
	abortErr := r.abort.Record(false)
	if left == 0 {
		r.finalize(ctx, logger, task.Code, now)
	}
	r.persist(logger)
	return abortErr != nil
}

func (r *Runner) recordFailure(logger *zap.Logger, task collect.FetchTask, kind collect.FailureKind, cause error, now time.Time) (aborted bool) {
	left := r.state.RecordFailure(task.Code, collect.SourceFailure{
		Source: task.Source,
		Kind:   kind,
		Detail: cause.Error(),
	}, now)
	if kind == collect.FailureNeedsAdapter {
		logger.Warn("adapter needs maintenance",
			zap.String("source", task.Source),
			zap.String("code", task.Code.String()),
			zap.Error(cause),
		)
	}
	abortErr := r.abort.Record(true)
	if left == 0 {
		r.finalize(context.Background(), logger, task.Code, now)
	}
	r.persist(logger)
	return abortErr != nil
}

// finalize runs once per identifier, when no fetches remain outstanding.
func (r *Runner) finalize(ctx context.Context, logger *zap.Logger, code jan.Code, now time.Time) {
	partials := r.state.Partials(code)
	agg := r.deps.Reconciler.Build(code, partials, len(r.sources))
	if agg == nil {
		r.state.MarkFailed(code, now)
		r.settled++
		kind := dominantFailureKind(r.state.Failures(code))
		r.emit(progress.Event{Stage: progress.StageIdentFailed, Code: code, FailureKind: kind})
		return
	}
	r.writeAggregate(ctx, logger, code, agg)
}

func (r *Runner) writeAggregate(ctx context.Context, logger *zap.Logger, code jan.Code, agg *collect.AggregateRecord) {
	now := r.deps.Clock.Now()
	if err := r.deps.Writer.Upsert(ctx, *agg); err != nil {
		logger.Warn("write failed, parking identifier for retry",
			zap.String("code", code.String()), zap.Error(err))
		r.state.CacheAggregate(agg, now)
		r.state.NoteWriteRejected(code, err.Error(), now)
		if !r.parked[code] {
			r.parked[code] = true
			r.settled++
		}
		return
	}
	r.state.MarkCompleted(code, now)
	if !r.parked[code] {
		r.settled++
	}
	r.emit(progress.Event{Stage: progress.StageIdentDone, Code: code})
}

// archiveDocument stores the raw body so the parse failure can be diagnosed
// offline. Best effort; archive failures only log.
func (r *Runner) archiveDocument(ctx context.Context, logger *zap.Logger, doc collect.RawDocument, parseErr *collect.ParseError) {
	if r.deps.Archive == nil || len(doc.Body) == 0 {
		return
	}
	uri, err := r.deps.Archive.PutObject(ctx, archive.ObjectPath(doc), "text/html; charset=utf-8", doc.Body)
	if err != nil {
		logger.Warn("archive raw document failed", zap.Error(err))
		return
	}
	parseErr.ArchiveURI = uri
}

func (r *Runner) persist(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.deps.Snapshots.Save(ctx, r.state.Snapshot()); err != nil {
		logger.Error("persist run snapshot failed", zap.Error(err))
	}
}

func (r *Runner) publishCompletion(logger *zap.Logger) {
	if r.deps.Publisher == nil || r.deps.Topic == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.deps.Publisher.Publish(ctx, r.deps.Topic, r.state.Status()); err != nil {
		logger.Warn("publish run completion failed", zap.Error(err))
	}
}

func (r *Runner) emit(evt progress.Event) {
	evt.RunID = r.RunID()
	evt.TS = r.deps.Clock.Now()
	r.deps.Emitter.Emit(evt)
}

func dominantFailureKind(failures []collect.SourceFailure) collect.FailureKind {
	kind := collect.FailureSourceError
	for _, f := range failures {
		if f.Kind == collect.FailureNeedsAdapter {
			kind = collect.FailureNeedsAdapter
		}
	}
	return kind
}
