package headless

import (
	"bytes"
	"net/http"
)

// blockMarkers are substrings that identify a robot interstitial rather than
// a product page. Matched case-insensitively against the document body.
var blockMarkers = [][]byte{
	[]byte("api-services-support@amazon.com"),
	[]byte("captcha"),
	[]byte("robot check"),
	[]byte("enable cookies"),
	[]byte("automated access"),
}

// minPlausibleBody is the size below which a 200 response is assumed to be a
// stub served to non-browser clients.
const minPlausibleBody = 2048

// Blocked reports whether a response looks like a bot interstitial instead
// of real content, in which case a headless render is warranted.
func Blocked(status int, body []byte) bool {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		return true
	}
	if status != http.StatusOK {
		return false
	}
	lower := bytes.ToLower(body)
	for _, marker := range blockMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return len(body) < minPlausibleBody
}
