package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var (
	testCode = jan.MustNormalize("4988601007726")
	baseTime = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
)

func newTestReconciler() *Reconciler {
	return New(Config{}, fixedClock{t: baseTime.Add(time.Hour)})
}

func partial(source string, fetchedAt time.Time, fields map[collect.Field]string) collect.PartialRecord {
	return collect.PartialRecord{Code: testCode, Source: source, FetchedAt: fetchedAt, Fields: fields}
}

func TestBuildMostRecentWinsWithProvenance(t *testing.T) {
	r := newTestReconciler()
	agg := r.Build(testCode, []collect.PartialRecord{
		partial("rakuten", baseTime, map[collect.Field]string{
			collect.FieldTitle: "Wireless Mouse M590",
			collect.FieldShop:  "example-store",
		}),
		partial("jancode", baseTime.Add(5*time.Minute), map[collect.Field]string{
			collect.FieldTitle: "Wireless Mouse M590",
			collect.FieldMaker: "Logicool",
		}),
	}, 2)
	require.NotNil(t, agg)

	assert.Equal(t, collect.CompletenessOK, agg.Completeness)
	assert.Equal(t, []string{"jancode", "rakuten"}, agg.Sources)

	title := agg.Fields[collect.FieldTitle]
	assert.Equal(t, "Wireless Mouse M590", title.Value)
	assert.Equal(t, "jancode", title.Source, "newer fetch wins the field")
	assert.Empty(t, title.Conflicts, "agreeing values are not conflicts")

	assert.Equal(t, "rakuten", agg.Fields[collect.FieldShop].Source)
	assert.Equal(t, "Logicool", agg.Fields[collect.FieldMaker].Value)
	assert.Equal(t, baseTime.Add(time.Hour), agg.BuiltAt)
}

func TestBuildNoUsablePartialsYieldsNoAggregate(t *testing.T) {
	r := newTestReconciler()
	assert.Nil(t, r.Build(testCode, nil, 2))
	assert.Nil(t, r.Build(testCode, []collect.PartialRecord{
		partial("rakuten", baseTime, nil),
	}, 2))
}

func TestBuildMissingSourceGradesPartial(t *testing.T) {
	r := newTestReconciler()
	agg := r.Build(testCode, []collect.PartialRecord{
		partial("rakuten", baseTime, map[collect.Field]string{collect.FieldTitle: "x"}),
	}, 3)
	require.NotNil(t, agg)
	assert.Equal(t, collect.CompletenessPartial, agg.Completeness)
}

func TestBuildPriceWithinToleranceIsNotConflict(t *testing.T) {
	r := newTestReconciler()
	agg := r.Build(testCode, []collect.PartialRecord{
		partial("rakuten", baseTime, map[collect.Field]string{collect.FieldPrice: "1000"}),
		partial("amazon", baseTime.Add(time.Minute), map[collect.Field]string{collect.FieldPrice: "1030"}),
	}, 2)
	require.NotNil(t, agg)

	price := agg.Fields[collect.FieldPrice]
	assert.Equal(t, "1030", price.Value)
	assert.Empty(t, price.Conflicts)
	assert.Equal(t, collect.CompletenessOK, agg.Completeness)
}

func TestBuildPriceBeyondToleranceKeepsBothValues(t *testing.T) {
	r := newTestReconciler()
	agg := r.Build(testCode, []collect.PartialRecord{
		partial("rakuten", baseTime, map[collect.Field]string{collect.FieldPrice: "1000"}),
		partial("amazon", baseTime.Add(time.Minute), map[collect.Field]string{collect.FieldPrice: "5000"}),
	}, 2)
	require.NotNil(t, agg)

	price := agg.Fields[collect.FieldPrice]
	assert.Equal(t, "5000", price.Value, "newest still wins the primary slot")
	require.Len(t, price.Conflicts, 1)
	assert.Equal(t, "1000", price.Conflicts[0].Value)
	assert.Equal(t, "rakuten", price.Conflicts[0].Source)
	assert.Equal(t, collect.CompletenessConflict, agg.Completeness)
}

func TestBuildDisagreementOutsideWindowIsAnUpdate(t *testing.T) {
	r := New(Config{ConflictWindow: 15 * time.Minute}, fixedClock{t: baseTime})
	agg := r.Build(testCode, []collect.PartialRecord{
		partial("rakuten", baseTime.Add(-2*time.Hour), map[collect.Field]string{collect.FieldPrice: "1000"}),
		partial("amazon", baseTime, map[collect.Field]string{collect.FieldPrice: "5000"}),
	}, 2)
	require.NotNil(t, agg)

	price := agg.Fields[collect.FieldPrice]
	assert.Equal(t, "5000", price.Value)
	assert.Empty(t, price.Conflicts, "stale observations are superseded, not conflicting")
	assert.Equal(t, collect.CompletenessOK, agg.Completeness)
}

func TestBuildTextDisagreementInWindowConflicts(t *testing.T) {
	r := newTestReconciler()
	agg := r.Build(testCode, []collect.PartialRecord{
		partial("rakuten", baseTime, map[collect.Field]string{collect.FieldTitle: "Mouse M590 Black"}),
		partial("amazon", baseTime.Add(time.Minute), map[collect.Field]string{collect.FieldTitle: "Mouse M590 Graphite"}),
	}, 2)
	require.NotNil(t, agg)

	title := agg.Fields[collect.FieldTitle]
	assert.Equal(t, "Mouse M590 Graphite", title.Value)
	require.Len(t, title.Conflicts, 1)
	assert.Equal(t, collect.CompletenessConflict, agg.Completeness)
}

func TestBuildNumericParsingHandlesFormatting(t *testing.T) {
	r := newTestReconciler()
	agg := r.Build(testCode, []collect.PartialRecord{
		partial("rakuten", baseTime, map[collect.Field]string{collect.FieldPrice: "12,800"}),
		partial("amazon", baseTime.Add(time.Minute), map[collect.Field]string{collect.FieldPrice: "12800"}),
	}, 2)
	require.NotNil(t, agg)
	assert.Empty(t, agg.Fields[collect.FieldPrice].Conflicts)
}

func TestBuildRebuildSupersedes(t *testing.T) {
	r := newTestReconciler()
	first := r.Build(testCode, []collect.PartialRecord{
		partial("rakuten", baseTime, map[collect.Field]string{collect.FieldTitle: "x"}),
	}, 2)
	require.NotNil(t, first)

	second := r.Build(testCode, []collect.PartialRecord{
		partial("rakuten", baseTime, map[collect.Field]string{collect.FieldTitle: "x"}),
		partial("amazon", baseTime.Add(time.Minute), map[collect.Field]string{collect.FieldTitle: "x"}),
	}, 2)
	require.NotNil(t, second)

	assert.Equal(t, collect.CompletenessPartial, first.Completeness)
	assert.Equal(t, collect.CompletenessOK, second.Completeness)
	assert.Len(t, first.Fields[collect.FieldTitle].Conflicts, 0, "rebuild does not mutate the prior aggregate")
}
