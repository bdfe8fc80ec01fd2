// Package archive stores raw source documents so that parse failures can be
// diagnosed against the exact bytes fetched. Backends implement
// collect.BlobStore and return a URI for the stored copy.
package archive

import (
	"fmt"
	"time"

	"github.com/ksuzuki/jancollect/internal/collect"
)

// ObjectPath builds the archive key for a raw document:
// <source>/<date>/<code>-<hash>.html style layout, stable per content.
func ObjectPath(doc collect.RawDocument) string {
	day := doc.FetchedAt.UTC().Format("2006-01-02")
	if doc.FetchedAt.IsZero() {
		day = time.Now().UTC().Format("2006-01-02")
	}
	hash := doc.ContentHash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	if hash == "" {
		hash = "nohash"
	}
	return fmt.Sprintf("%s/%s/%s-%s", doc.Source, day, doc.Code, hash)
}
