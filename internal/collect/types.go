// Package collect defines the core types shared across the collection
// pipeline: fetch tasks, raw documents, partial and aggregate records, and
// the interfaces each subsystem implements.
package collect

import (
	"time"

	"github.com/ksuzuki/jancollect/internal/jan"
)

// Field names a single product attribute extracted from a source.
type Field string

// Product fields produced by the source adapters.
const (
	FieldTitle         Field = "title"
	FieldPrice         Field = "price"
	FieldShop          Field = "shop"
	FieldBrand         Field = "brand"
	FieldMaker         Field = "maker"
	FieldMakerKana     Field = "maker_kana"
	FieldGenre         Field = "genre"
	FieldCodeType      Field = "code_type"
	FieldCaption       Field = "caption"
	FieldReviewAverage Field = "review_average"
	FieldImageURLs     Field = "image_urls"
	FieldAvailability  Field = "availability"
	FieldDetailURL     Field = "detail_url"
)

// FetchTask is one scheduled fetch of one identifier from one source. The
// scheduler owns the task between Submit and the terminal outcome; Attempt
// and NotBefore are advanced on each retry.
type FetchTask struct {
	Code      jan.Code
	Source    string
	Attempt   int
	NotBefore time.Time
}

// RawDocument is the unparsed response produced by an adapter's Fetch. It is
// immutable once returned; the content hash keys the archive copy kept for
// adapter maintenance.
type RawDocument struct {
	Source      string
	Code        jan.Code
	URL         string
	StatusCode  int
	FetchedAt   time.Time
	Body        []byte
	ContentHash string
}

// PartialRecord is the data one source yielded for one identifier in one
// run. Immutable once produced by Parse.
type PartialRecord struct {
	Code      jan.Code
	Source    string
	FetchedAt time.Time
	Fields    map[Field]string
}

// FieldValue is one provenanced value for a field.
type FieldValue struct {
	Value     string    `json:"value"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ResolvedField is the reconciled value for one field. Conflicts holds the
// disagreeing values retained when sources diverged beyond tolerance inside
// the same fetch window.
type ResolvedField struct {
	FieldValue
	Conflicts []FieldValue `json:"conflicts,omitempty"`
}

// Completeness grades an aggregate record.
type Completeness string

// Completeness values, in decreasing order of confidence.
const (
	CompletenessOK       Completeness = "ok"
	CompletenessPartial  Completeness = "partial"
	CompletenessConflict Completeness = "partial-conflict"
)

// AggregateRecord is the merged per-identifier result. It is recomputed from
// the full set of partial records each time a new one arrives; instances are
// superseded, never mutated.
type AggregateRecord struct {
	Code         jan.Code
	Fields       map[Field]ResolvedField
	Sources      []string
	Completeness Completeness
	BuiltAt      time.Time
}

// FailureKind distinguishes failures that heal on a later run from failures
// that need an adapter change.
type FailureKind string

// Failure kinds reported in run status.
const (
	FailureSourceError   FailureKind = "source-error"
	FailureNeedsAdapter  FailureKind = "needs-adapter-update"
	FailureWriteRejected FailureKind = "write-rejected"
)

// SourceFailure records why one source gave up on one identifier.
type SourceFailure struct {
	Source string      `json:"source"`
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail"`
}
