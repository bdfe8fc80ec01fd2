// Package jan normalizes and validates JAN/EAN product codes. The canonical
// form produced here is the key every downstream stage reconciles on, so the
// rules are deliberately strict: anything that does not survive validation is
// rejected rather than coerced.
package jan

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/width"
)

// ErrInvalidIdentifier is returned for inputs that are not a valid JAN/EAN
// code after cleanup. Callers match it with errors.Is.
var ErrInvalidIdentifier = errors.New("invalid product identifier")

// Code is a canonical JAN/EAN code: 8 or 13 ASCII digits with a valid GS1
// check digit. Construct one with Normalize; the zero value is not valid.
type Code string

// String returns the canonical digit string.
func (c Code) String() string { return string(c) }

// IsZero reports whether the code is unset.
func (c Code) IsZero() bool { return c == "" }

// Normalize canonicalizes raw input into a Code. It folds full-width digits
// to ASCII, trims surrounding whitespace (including U+3000), strips hyphens,
// zero-pads 12-digit UPC-A input to 13 digits, and verifies the GS1 mod-10
// check digit. Normalize(Normalize(x)) == Normalize(x) for all valid x.
func Normalize(raw string) (Code, error) {
	s := strings.TrimSpace(width.Fold.String(raw))
	s = strings.ReplaceAll(s, "-", "")
	if s == "" {
		return "", fmt.Errorf("%w: empty input", ErrInvalidIdentifier)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: non-digit character %q", ErrInvalidIdentifier, r)
		}
	}
	switch len(s) {
	case 8, 13:
	case 12:
		// UPC-A is EAN-13 with an implied leading zero.
		s = "0" + s
	default:
		return "", fmt.Errorf("%w: length %d, want 8, 12 or 13 digits", ErrInvalidIdentifier, len(s))
	}
	if !checksumOK(s) {
		return "", fmt.Errorf("%w: check digit mismatch for %s", ErrInvalidIdentifier, s)
	}
	return Code(s), nil
}

// MustNormalize is Normalize for compile-time-known codes in tests and
// fixtures; it panics on invalid input.
func MustNormalize(raw string) Code {
	c, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// IsBookRange reports whether the code falls in the Japanese book JAN range
// (ISBN-derived 978/979 prefixes). Adapters use it to pick the books endpoint
// before falling back to the general item search.
func (c Code) IsBookRange() bool {
	return strings.HasPrefix(string(c), "978") || strings.HasPrefix(string(c), "979")
}

// checksumOK verifies the GS1 mod-10 check digit: weights 3,1,3,... applied
// from the digit immediately left of the check digit, moving left.
func checksumOK(s string) bool {
	sum := 0
	weight := 3
	for i := len(s) - 2; i >= 0; i-- {
		sum += int(s[i]-'0') * weight
		if weight == 3 {
			weight = 1
		} else {
			weight = 3
		}
	}
	check := (10 - sum%10) % 10
	return int(s[len(s)-1]-'0') == check
}
