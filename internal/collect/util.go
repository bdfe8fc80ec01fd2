package collect

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SystemClock implements Clock with time.Now.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// SHA256Hasher implements Hasher with a hex-encoded SHA-256 digest.
type SHA256Hasher struct{}

// Hash hashes the input and returns a hex digest.
func (SHA256Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
