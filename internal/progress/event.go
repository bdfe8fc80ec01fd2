// Package progress defines the event stream emitted by the collection
// pipeline and the hub that fans it out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageRunAborted  Stage = "RUN_ABORTED"
	StageFetchDone   Stage = "FETCH_DONE"
	StageFetchRetry  Stage = "FETCH_RETRY"
	StageIdentDone   Stage = "IDENT_DONE"
	StageIdentFailed Stage = "IDENT_FAILED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

// Event captures one pipeline milestone.
type Event struct {
	// RunID identifies the run the event belongs to.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage is the milestone.
	Stage Stage
	// Source scopes fetch and identifier events to one adapter.
	Source string
	// Code is the identifier involved, when there is one.
	Code jan.Code
	// StatusClass groups the HTTP response for fetch events.
	StatusClass StatusClass
	// FailureKind is set on IDENT_FAILED events.
	FailureKind collect.FailureKind
	// Dur is fetch latency or total run duration.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation before an event enters the hub.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunAborted:
	case StageFetchDone, StageFetchRetry:
		if e.Source == "" {
			return fmt.Errorf("%s requires a source", e.Stage)
		}
	case StageIdentDone:
		if e.Code.IsZero() {
			return errors.New("IDENT_DONE requires an identifier")
		}
	case StageIdentFailed:
		if e.Code.IsZero() {
			return errors.New("IDENT_FAILED requires an identifier")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
