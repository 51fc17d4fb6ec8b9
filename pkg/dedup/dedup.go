// Package dedup drops repeated message ids within a TTL window, used to
// ignore QoS 1 redeliveries.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

type Deduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	seen map[string]time.Time // id -> scadenza
}

func New(ttl time.Duration, max int) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 10000
	}
	return &Deduper{ttl: ttl, max: max, seen: make(map[string]time.Time, max)}
}

// PayloadKey is the dedup id of a raw payload (sha256, hex).
func PayloadKey(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}

// ShouldProcess reports whether id was not seen within the TTL and marks it seen.
// An empty id is always processed.
func (d *Deduper) ShouldProcess(id string) bool {
	if id == "" {
		return true
	}
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false
	}
	d.seen[id] = now.Add(d.ttl)
	if len(d.seen) > d.max {
		d.evictLocked(now)
	}
	return true
}

func (d *Deduper) evictLocked(now time.Time) {
	for k, v := range d.seen {
		if now.After(v) {
			delete(d.seen, k)
		}
		if len(d.seen) <= d.max {
			return
		}
	}
}
