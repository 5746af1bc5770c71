package session

import (
	"crypto/rand"
	"strings"
)

// Alphabet is the character set of generated suffixes.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Placeholder in a client id is replaced by a random string, letting callers
// ask for a throwaway session.
const Placeholder = "randomString"

// RandomString returns n characters drawn from Alphabet using crypto/rand.
func RandomString(n int) string {
	buf := make([]byte, n)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(buf)
}

// ExpandPlaceholder replaces the first Placeholder in s with RandomString(8).
func ExpandPlaceholder(s string) string {
	return strings.Replace(s, Placeholder, RandomString(8), 1)
}
