// Package reconcile merges per-source partial records into a single
// aggregate per identifier, keeping provenance for every value and
// retaining both sides of unresolved disagreements.
package reconcile

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
)

// Config tunes conflict detection.
type Config struct {
	// NumericTolerance is the relative divergence numeric fields may show
	// without being flagged, e.g. 0.05 for 5%.
	NumericTolerance float64
	// ConflictWindow bounds how far apart two fetches may be and still
	// count as observations of the same state. Values that disagree across
	// a wider gap are treated as a legitimate update, newest wins.
	ConflictWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.NumericTolerance <= 0 {
		c.NumericTolerance = 0.05
	}
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = 15 * time.Minute
	}
	return c
}

// numericFields compare by relative divergence instead of string equality.
var numericFields = map[collect.Field]bool{
	collect.FieldPrice:         true,
	collect.FieldReviewAverage: true,
}

// Reconciler builds aggregate records from partial records.
type Reconciler struct {
	cfg   Config
	clock collect.Clock
}

// New returns a Reconciler. A nil clock falls back to the system clock.
func New(cfg Config, clock collect.Clock) *Reconciler {
	if clock == nil {
		clock = collect.SystemClock{}
	}
	return &Reconciler{cfg: cfg.withDefaults(), clock: clock}
}

// Build merges the full set of partials for one identifier into a fresh
// aggregate. It returns nil when no partial carries any data: an identifier
// whose every source failed has no aggregate, only failures.
//
// expectedSources is how many sources were asked; fewer contributors grades
// the record partial.
func (r *Reconciler) Build(code jan.Code, partials []collect.PartialRecord, expectedSources int) *collect.AggregateRecord {
	contributing := make([]collect.PartialRecord, 0, len(partials))
	for _, p := range partials {
		if len(p.Fields) > 0 {
			contributing = append(contributing, p)
		}
	}
	if len(contributing) == 0 {
		return nil
	}

	// Newest first, so the head observation for each field wins.
	sort.SliceStable(contributing, func(i, j int) bool {
		return contributing[i].FetchedAt.After(contributing[j].FetchedAt)
	})

	fields := make(map[collect.Field]collect.ResolvedField)
	sources := make([]string, 0, len(contributing))
	conflicted := false
	for _, p := range contributing {
		sources = append(sources, p.Source)
		for name, value := range p.Fields {
			fv := collect.FieldValue{Value: value, Source: p.Source, FetchedAt: p.FetchedAt}
			resolved, seen := fields[name]
			if !seen {
				fields[name] = collect.ResolvedField{FieldValue: fv}
				continue
			}
			if r.disagrees(name, resolved.FieldValue, fv) {
				resolved.Conflicts = append(resolved.Conflicts, fv)
				fields[name] = resolved
				conflicted = true
			}
		}
	}
	sort.Strings(sources)

	completeness := collect.CompletenessOK
	if expectedSources > 0 && len(contributing) < expectedSources {
		completeness = collect.CompletenessPartial
	}
	if conflicted {
		completeness = collect.CompletenessConflict
	}

	return &collect.AggregateRecord{
		Code:         code,
		Fields:       fields,
		Sources:      sources,
		Completeness: completeness,
		BuiltAt:      r.clock.Now(),
	}
}

// disagrees reports whether an older observation contradicts the winning one.
// Observations outside the conflict window are stale state, not disagreement.
func (r *Reconciler) disagrees(name collect.Field, winner, older collect.FieldValue) bool {
	if winner.FetchedAt.Sub(older.FetchedAt) > r.cfg.ConflictWindow {
		return false
	}
	if numericFields[name] {
		a, okA := parseNumeric(winner.Value)
		b, okB := parseNumeric(older.Value)
		if okA && okB {
			return relativeDivergence(a, b) > r.cfg.NumericTolerance
		}
	}
	return winner.Value != older.Value
}

func parseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func relativeDivergence(a, b float64) float64 {
	larger := a
	if b > larger {
		larger = b
	}
	if larger == 0 {
		return 0
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff / larger
}
