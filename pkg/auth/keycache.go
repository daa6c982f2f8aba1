package auth

import (
	"crypto/rsa"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultKeyValidity is how long a fetched signing key is trusted before the
// next request for it forces a refetch.
const DefaultKeyValidity = time.Hour

// CachedKey is one IdP signing key known to this process. A CachedKey is
// never modified after it is stored; a refresh stores a new value.
type CachedKey struct {
	KeyID    string
	Material *rsa.PublicKey
	CachedAt time.Time
}

// KeyCache maps key IDs to RSA public keys with a fixed validity window.
// It is a cache-aside store: it never fetches on its own, and a stale entry
// is reported as a miss so the caller refetches.
//
// Lookups are lock-free with respect to writes of other keys. Entries are
// replaced by swapping the pointer, so a reader sees either the old or the
// new key, never a mix.
//
// KeyCache is safe for concurrent use by multiple goroutines.
type KeyCache struct {
	entries  sync.Map // kid -> *CachedKey
	validity time.Duration
	clock    clockwork.Clock
}

// KeyCacheOption configures a [KeyCache].
type KeyCacheOption func(*KeyCache)

// WithKeyCacheClock sets the clock used to stamp and age entries.
func WithKeyCacheClock(c clockwork.Clock) KeyCacheOption {
	return func(kc *KeyCache) { kc.clock = c }
}

// NewKeyCache returns an empty cache whose entries are valid for validity.
// A zero or negative validity makes every Get a miss.
func NewKeyCache(validity time.Duration, opts ...KeyCacheOption) *KeyCache {
	kc := &KeyCache{
		validity: validity,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(kc)
	}
	return kc
}

// Validity returns the configured validity window.
func (kc *KeyCache) Validity() time.Duration { return kc.validity }

// Get returns the key for kid if it was stored less than the validity
// window ago. A stale entry is evicted and reported as a miss.
func (kc *KeyCache) Get(kid string) (*CachedKey, bool) {
	v, ok := kc.entries.Load(kid)
	if !ok {
		return nil, false
	}
	entry := v.(*CachedKey)
	if kc.fresh(entry, kc.clock.Now()) {
		return entry, true
	}
	// Only drop the entry we looked at; a concurrent Put may have replaced it.
	kc.entries.CompareAndDelete(kid, entry)
	return nil, false
}

// Put stores material under kid, replacing any previous entry, and stamps it
// with the current time.
func (kc *KeyCache) Put(kid string, material *rsa.PublicKey) *CachedKey {
	entry := &CachedKey{
		KeyID:    kid,
		Material: material,
		CachedAt: kc.clock.Now(),
	}
	kc.entries.Store(kid, entry)
	return entry
}

// CleanupExpired removes every entry older than the validity window and
// returns how many were removed. Keys that rotated out and are never looked
// up again are only reclaimed here.
func (kc *KeyCache) CleanupExpired() int {
	now := kc.clock.Now()
	removed := 0
	kc.entries.Range(func(k, v any) bool {
		if !kc.fresh(v.(*CachedKey), now) && kc.entries.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed
}

// Remove drops the entry for kid and reports whether one was present.
func (kc *KeyCache) Remove(kid string) bool {
	_, loaded := kc.entries.LoadAndDelete(kid)
	return loaded
}

// Clear drops every entry.
func (kc *KeyCache) Clear() {
	kc.entries.Clear()
}

// Len returns the number of stored entries, including stale ones that have
// not been evicted yet.
func (kc *KeyCache) Len() int {
	n := 0
	kc.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (kc *KeyCache) fresh(entry *CachedKey, now time.Time) bool {
	return now.Sub(entry.CachedAt) < kc.validity
}
