package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
)

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string { return s.name }
func (s stubAdapter) Fetch(context.Context, jan.Code) (collect.RawDocument, error) {
	return collect.RawDocument{}, nil
}
func (s stubAdapter) Parse(collect.RawDocument) (collect.PartialRecord, error) {
	return collect.PartialRecord{}, nil
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry(stubAdapter{name: "rakuten"}, stubAdapter{name: "amazon"})
	require.NoError(t, err)

	a, ok := r.Get("rakuten")
	require.True(t, ok)
	require.Equal(t, "rakuten", a.Name())

	_, ok = r.Get("unknown")
	require.False(t, ok)

	require.Equal(t, []string{"amazon", "rakuten"}, r.Names())
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	t.Parallel()
	_, err := NewRegistry(stubAdapter{name: "rakuten"}, stubAdapter{name: "rakuten"})
	require.Error(t, err)
}

func TestRegistry_RejectsEmptyName(t *testing.T) {
	t.Parallel()
	_, err := NewRegistry(stubAdapter{name: ""})
	require.Error(t, err)
}
