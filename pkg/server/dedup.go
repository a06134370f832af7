package server

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultDedupTTL is how long a settlement response is replayed for an
// exact retry of the same request.
const DefaultDedupTTL = 60 * time.Second

// CachedResponse is one remembered response.
type CachedResponse struct {
	Status int
	Body   []byte

	expiresAt time.Time
}

// Deduplicator remembers recent settlement responses keyed by
// (wallet, endpoint, payload) so an exact client retry gets the original
// response replayed instead of re-entering the settlement path.
type Deduplicator struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	ttl     time.Duration
	entries map[string]*CachedResponse
}

// NewDeduplicator creates a deduplicator with the given replay window.
func NewDeduplicator(clock clockwork.Clock, ttl time.Duration) *Deduplicator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Deduplicator{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[string]*CachedResponse),
	}
}

// Key derives the deduplication key for a request.
func (d *Deduplicator) Key(wallet, endpoint string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(wallet))
	h.Write([]byte{0})
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the remembered response for the key, or nil.
func (d *Deduplicator) Lookup(key string) *CachedResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[key]
	if !ok {
		return nil
	}
	if d.clock.Now().After(entry.expiresAt) {
		delete(d.entries, key)
		return nil
	}
	return entry
}

// Store remembers a response for replay. Internal errors are not
// remembered; a retry after a 5xx should re-enter the settlement path.
func (d *Deduplicator) Store(key string, status int, body []byte) {
	if status >= 500 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = &CachedResponse{
		Status:    status,
		Body:      body,
		expiresAt: d.clock.Now().Add(d.ttl),
	}
}

// Cleanup drops expired entries. Called periodically by the server's
// housekeeping loop.
func (d *Deduplicator) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	for key, entry := range d.entries {
		if now.After(entry.expiresAt) {
			delete(d.entries, key)
		}
	}
}
