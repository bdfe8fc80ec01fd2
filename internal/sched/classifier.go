package sched

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ksuzuki/jancollect/internal/collect"
)

// Decision is what the pipeline should do with a failed fetch.
type Decision int

const (
	// DecisionRetry reschedules the task after Delay.
	DecisionRetry Decision = iota
	// DecisionFail marks the source attempt as permanently failed.
	DecisionFail
	// DecisionDiscard drops the outcome without recording a failure,
	// used when the run itself was cancelled mid-flight.
	DecisionDiscard
)

// RetryPolicy turns a failed outcome into a retry or a terminal failure.
type RetryPolicy struct {
	// MaxAttempts counts the initial attempt plus retries.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff schedule.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff interval.
	MaxDelay time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Minute
	}
	return p
}

// Verdict pairs a Decision with its parameters.
type Verdict struct {
	Decision Decision
	// Delay is set for DecisionRetry.
	Delay time.Duration
	// Kind is set for DecisionFail.
	Kind collect.FailureKind
}

// Classify maps a fetch error onto the retry table. Attempt is the number of
// the attempt that just failed, starting at 1.
func (p RetryPolicy) Classify(err error, attempt int) Verdict {
	p = p.withDefaults()

	var parseErr *collect.ParseError
	switch {
	case err == nil:
		return Verdict{Decision: DecisionDiscard}
	case errors.Is(err, context.Canceled):
		return Verdict{Decision: DecisionDiscard}
	case errors.As(err, &parseErr):
		return Verdict{Decision: DecisionFail, Kind: collect.FailureNeedsAdapter}
	case errors.Is(err, collect.ErrPermanentFetch):
		return Verdict{Decision: DecisionFail, Kind: collect.FailureSourceError}
	case errors.Is(err, collect.ErrTransientFetch), errors.Is(err, context.DeadlineExceeded):
		if attempt >= p.MaxAttempts {
			return Verdict{Decision: DecisionFail, Kind: collect.FailureSourceError}
		}
		return Verdict{Decision: DecisionRetry, Delay: p.Backoff(attempt)}
	default:
		// Unknown errors get one retry budget like transients.
		if attempt >= p.MaxAttempts {
			return Verdict{Decision: DecisionFail, Kind: collect.FailureSourceError}
		}
		return Verdict{Decision: DecisionRetry, Delay: p.Backoff(attempt)}
	}
}

// Backoff returns the delay before retry number attempt+1. The schedule is
// exponential with random jitter so synchronized retries spread out.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	half := d / 2
	return half + jitter(half)
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return max / 2
	}
	return time.Duration(n.Int64())
}

// AbortMonitor watches the terminal failure rate of a run and trips once it
// crosses the threshold. A tripped monitor stays tripped.
type AbortMonitor struct {
	mu        sync.Mutex
	succeeded int
	failed    int
	threshold float64
	minSample int
	tripped   bool
}

// NewAbortMonitor builds a monitor that trips when more than threshold of
// terminal outcomes are failures, once at least minSample outcomes have been
// seen.
func NewAbortMonitor(threshold float64, minSample int) *AbortMonitor {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	if minSample <= 0 {
		minSample = 20
	}
	return &AbortMonitor{threshold: threshold, minSample: minSample}
}

// Record counts one terminal outcome and reports whether the run should
// abort. Retried attempts must not be recorded.
func (m *AbortMonitor) Record(failed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if failed {
		m.failed++
	} else {
		m.succeeded++
	}
	total := m.succeeded + m.failed
	if !m.tripped && total >= m.minSample {
		if float64(m.failed)/float64(total) > m.threshold {
			m.tripped = true
		}
	}
	if m.tripped {
		return collect.ErrRunAborted
	}
	return nil
}

// Tripped reports whether the abort threshold has been crossed.
func (m *AbortMonitor) Tripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tripped
}
