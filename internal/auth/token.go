package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// ClientHandlePrefix is prepended to all generated console client handles.
	ClientHandlePrefix = "acs-"
	// handleRandBytes is the number of random bytes in a handle (32 bytes = 64 hex chars).
	handleRandBytes = 32
)

// GenerateClientHandle creates a new random console client handle.
// Format: "acs-" + 64 hex chars = 68 char handle.
func GenerateClientHandle() (string, error) {
	b := make([]byte, handleRandBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate client handle: %w", err)
	}
	return ClientHandlePrefix + hex.EncodeToString(b), nil
}

// HashClientHandle returns the SHA-256 hex digest of a client handle.
// The hash, never the raw handle, keys the in-memory client registry.
func HashClientHandle(handle string) string {
	h := sha256.Sum256([]byte(handle))
	return hex.EncodeToString(h[:])
}
