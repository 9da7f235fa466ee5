package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Normalize concatenates a card's front and back after cleaning each side.
// It trims whitespace, lowercases, and normalizes line endings before joining.
func Normalize(front, back string) string {
	normalizePart := func(part string) string {
		p := strings.ToLower(part)
		p = strings.TrimSpace(p)
		p = strings.ReplaceAll(p, "\r\n", "\n")
		return p
	}

	// Joined with a newline so "ab"+"c" and "a"+"bc" hash differently.
	return normalizePart(front) + "\n" + normalizePart(back)
}

// Hash returns the SHA-256 of the normalized card content as a hex string.
func Hash(front, back string) string {
	sum := sha256.Sum256([]byte(Normalize(front, back)))
	return fmt.Sprintf("%x", sum)
}
