package utils

import (
	"crypto/sha256"
	"crypto/subtle"
)

// SumSHA256 returns the SHA-256 checksum of the provided data.
func SumSHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SecureCompare reports whether two strings are equal without leaking the
// position of the first mismatch through timing. Inputs are hashed first so
// the comparison is constant-time even for different lengths.
func SecureCompare(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
