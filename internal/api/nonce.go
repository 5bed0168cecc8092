package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"
)

// nonceStore holds single-use form tokens with automatic TTL expiry. Page
// forms embed a token issued for the client and form; the POST must bring it
// back before it expires.
type nonceStore struct {
	mu      sync.Mutex
	entries map[string]nonceEntry
	ttl     time.Duration
}

type nonceEntry struct {
	value     string
	expiresAt time.Time
}

func newNonceStore(ttl time.Duration) *nonceStore {
	return &nonceStore{
		entries: make(map[string]nonceEntry),
		ttl:     ttl,
	}
}

func nonceKey(clientID, form string) string {
	return clientID + ":" + form
}

// Issue generates a fresh token for key, replacing any earlier one.
func (s *nonceStore) Issue(key string) string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	token := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()
	s.entries[key] = nonceEntry{
		value:     token,
		expiresAt: time.Now().Add(s.ttl),
	}
	return token
}

// Validate checks value against the token issued for key. The token is
// consumed by any attempt, matching or not.
func (s *nonceStore) Validate(key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()
	entry, ok := s.entries[key]
	if !ok || value == "" {
		return false
	}
	delete(s.entries, key)
	return subtle.ConstantTimeCompare([]byte(entry.value), []byte(value)) == 1
}

// evictExpiredLocked removes expired entries. Caller must hold mu.
func (s *nonceStore) evictExpiredLocked() {
	now := time.Now()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}
