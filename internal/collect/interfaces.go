package collect

import (
	"context"
	"time"

	"github.com/ksuzuki/jancollect/internal/jan"
)

// Adapter fetches and parses product data for one external source. Fetch
// classifies its own failures (ErrTransientFetch vs ErrPermanentFetch); Parse
// returns a *ParseError when the document shape no longer matches the site.
// Adapters perform network I/O only and share no mutable state.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, code jan.Code) (RawDocument, error)
	Parse(doc RawDocument) (PartialRecord, error)
}

// ProductWriter persists aggregate records, idempotently keyed by identifier.
type ProductWriter interface {
	Upsert(ctx context.Context, rec AggregateRecord) error
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (swapped out in tests).
type Clock interface {
	Now() time.Time
}

// Hasher computes digests for archive keys and document identity.
type Hasher interface {
	Hash(data []byte) (string, error)
}
