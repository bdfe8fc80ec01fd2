package jan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize_Valid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want Code
	}{
		{"plain ean13", "4901234567894", "4901234567894"},
		{"surrounding spaces", "  4901234567894  ", "4901234567894"},
		{"ideographic space", "　" + "4901234567894" + "　", "4901234567894"},
		{"full-width digits", "４９０１２３４５６７８９４", "4901234567894"},
		{"hyphenated", "4-901234-567894", "4901234567894"},
		{"full-width hyphen", "4－901234－567894", "4901234567894"},
		{"upc-a padded", "901234567894", "0901234567894"},
		{"ean8", "49123456", "49123456"},
		{"tabs and newline", "\t4901234567894\n", "4901234567894"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"4901234567894", "４９０１２３４５６７８９４", "49123456", "901234567894"} {
		once, err := Normalize(in)
		require.NoError(t, err)
		twice, err := Normalize(once.String())
		require.NoError(t, err)
		require.Equal(t, once, twice)
	}
}

func TestNormalize_EquivalentSpellings(t *testing.T) {
	t.Parallel()
	spellings := []string{
		"4901234567894",
		" 4901234567894",
		"4901234567894 ",
		"４９０１２３４５６７８９４",
		"4-9012345-67894",
		"　4901234567894",
	}
	want, err := Normalize(spellings[0])
	require.NoError(t, err)
	for _, s := range spellings[1:] {
		got, err := Normalize(s)
		require.NoError(t, err)
		require.Equal(t, want, got, "spelling %q", s)
	}
}

func TestNormalize_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"too short", "1234567"},
		{"too long", "49012345678941"},
		{"eleven digits", "90123456789"},
		{"bad check digit", "4901234567890"},
		{"bad ean8 check", "49123457"},
		{"letters", "49O1234567894"},
		{"embedded space", "4901 234567894"},
		{"kanji", "四九〇一二三四五六七八九四"},
		{"negative looking", "-4901234567894x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Normalize(tt.in)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidIdentifier), "got %v", err)
		})
	}
}

func TestCode_IsBookRange(t *testing.T) {
	t.Parallel()
	require.True(t, Code("9784873119687").IsBookRange())
	require.False(t, Code("4901234567894").IsBookRange())
}

func TestMustNormalize_PanicsOnInvalid(t *testing.T) {
	t.Parallel()
	require.Panics(t, func() { MustNormalize("not-a-code") })
}
