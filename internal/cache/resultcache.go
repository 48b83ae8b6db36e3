package cache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/chartgate/chartgate/internal/chart"
)

// ResultCache is C3: a TTL cache keyed by request fingerprint, with a soft
// entry-count ceiling so a pathological burst of distinct fingerprints
// cannot grow the cache without bound. Cached payloads are immutable from
// the caller's perspective: Get returns a deep copy.
type ResultCache struct {
	lru *lru.LRU[string, chart.Payload]
}

// NewResultCache creates a ResultCache with the given TTL (default 5 min per
// spec §4.3) and a soft maximum entry count.
func NewResultCache(ttl time.Duration, maxEntries int) *ResultCache {
	return &ResultCache{lru: lru.NewLRU[string, chart.Payload](maxEntries, nil, ttl)}
}

// Key derives the cache key from a request fingerprint.
func Key(fp chart.Fingerprint) string {
	return fmt.Sprintf("%s|%s|%d|%t|%s|%s",
		fp.Symbol, fp.Resolution, fp.BarCount, fp.CVDEnabled, fp.CVDAnchorPeriod, fp.CVDTimeframe)
}

// Get returns the cached payload for fp, if present and not expired. The
// returned payload is a deep copy; mutating it never affects the cache.
func (c *ResultCache) Get(fp chart.Fingerprint) (chart.Payload, bool) {
	p, ok := c.lru.Get(Key(fp))
	if !ok {
		return chart.Payload{}, false
	}
	return p.Clone(), true
}

// Put stores a deep copy of payload under fp's key.
func (c *ResultCache) Put(fp chart.Fingerprint, payload chart.Payload) {
	c.lru.Add(Key(fp), payload.Clone())
}

// Len reports the current entry count.
func (c *ResultCache) Len() int {
	return c.lru.Len()
}
