package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is the persisted form of a cached value
type CacheEntry struct {
	ExpirationTimeStamp *int64          `json:"expirationTimeStamp,omitempty"` // epoch milliseconds
	Data                json.RawMessage `json:"data"`
}

// NewCacheEntry creates a cache entry. A non-positive ttl leaves the
// expiration timestamp unset.
func NewCacheEntry(data json.RawMessage, ttl time.Duration, now time.Time) *CacheEntry {
	entry := &CacheEntry{Data: data}
	if ttl > 0 {
		ts := now.Add(ttl).UnixMilli()
		entry.ExpirationTimeStamp = &ts
	}
	return entry
}

// ExpiresAt returns the expiration time and whether one is set
func (ce *CacheEntry) ExpiresAt() (time.Time, bool) {
	if ce.ExpirationTimeStamp == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*ce.ExpirationTimeStamp), true
}

// Expired reports whether the entry must be refetched. An entry without an
// expiration timestamp is always expired.
func (ce *CacheEntry) Expired(now time.Time) bool {
	expiresAt, ok := ce.ExpiresAt()
	if !ok {
		return true
	}
	return !now.Before(expiresAt)
}

// RemainingTTL returns the remaining time until expiration
func (ce *CacheEntry) RemainingTTL(now time.Time) time.Duration {
	if ce.Expired(now) {
		return 0
	}
	expiresAt, _ := ce.ExpiresAt()
	return expiresAt.Sub(now)
}
