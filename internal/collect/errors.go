package collect

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ksuzuki/jancollect/internal/jan"
)

// Error taxonomy for the pipeline. Transient fetch failures are retried with
// backoff; permanent ones fail the identifier for that source immediately.
// ErrThrottled wraps ErrTransientFetch so a throttle is retryable, but the
// scheduler can additionally widen the source's request interval.
var (
	ErrTransientFetch = errors.New("transient fetch error")
	ErrPermanentFetch = errors.New("permanent fetch error")
	ErrThrottled      = fmt.Errorf("source throttled: %w", ErrTransientFetch)
	ErrRunAborted     = errors.New("run aborted: global failure rate exceeded threshold")
)

// ParseError means the source responded but the document no longer matches
// the shape the adapter expects. It is permanent for the identifier and a
// maintenance signal for the adapter; ArchiveURI points at the offending raw
// body when archiving succeeded.
type ParseError struct {
	Source     string
	Code       jan.Code
	Reason     string
	ArchiveURI string
	Err        error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s document for %s: %s: %v", e.Source, e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s document for %s: %s", e.Source, e.Code, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// WriteError means durable persistence of an aggregate failed. The identifier
// goes back to pending with the aggregate cached, so a resumed run retries
// only the write.
type WriteError struct {
	Code jan.Code
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write aggregate for %s: %v", e.Code, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ClassifyStatus maps an HTTP response code to the fetch error taxonomy.
// It returns nil for success codes.
func ClassifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("http %d: %w", status, ErrThrottled)
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("http %d: %w", status, ErrPermanentFetch)
	case status >= 500:
		return fmt.Errorf("http %d: %w", status, ErrTransientFetch)
	case status >= 400:
		return fmt.Errorf("http %d: %w", status, ErrPermanentFetch)
	default:
		return fmt.Errorf("unexpected http %d: %w", status, ErrTransientFetch)
	}
}
