package util

import (
	"crypto/rand"
	"encoding/hex"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const shortIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewShortID returns a lowercase alphanumeric ID of length n, suitable for
// identifiers users may read or type.
func NewShortID(n int) string {
	if n <= 0 {
		n = 8
	}
	id, err := gonanoid.Generate(shortIDAlphabet, n)
	if err != nil {
		fallback := NewID()
		if n < len(fallback) {
			fallback = fallback[:n]
		}
		return fallback
	}
	return id
}
