package headless

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlocked(t *testing.T) {
	t.Parallel()
	bigBody := bytes.Repeat([]byte("<div>product</div>"), 200)

	tests := []struct {
		name   string
		status int
		body   []byte
		want   bool
	}{
		{"forbidden", http.StatusForbidden, nil, true},
		{"service unavailable", http.StatusServiceUnavailable, nil, true},
		{"ok with captcha marker", http.StatusOK, append(append([]byte{}, bigBody...), []byte("please solve this CAPTCHA")...), true},
		{"ok with support address", http.StatusOK, append(append([]byte{}, bigBody...), []byte("contact api-services-support@amazon.com")...), true},
		{"ok tiny stub", http.StatusOK, []byte("<html></html>"), true},
		{"ok real page", http.StatusOK, bigBody, false},
		{"not found passes through", http.StatusNotFound, nil, false},
		{"server error passes through", http.StatusInternalServerError, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Blocked(tt.status, tt.body))
		})
	}
}
