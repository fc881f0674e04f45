package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeText standardizes extracted text for content addressing and
// dedupe comparisons: whitespace is collapsed, line breaks removed and the
// result is case folded.
func NormalizeText(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.Join(strings.Fields(value), " ")
	return strings.ToLower(value)
}

// ContentHash returns the hex-encoded SHA-256 digest of the normalized text.
// Two texts that differ only in whitespace or case hash identically.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
