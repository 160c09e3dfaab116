package oracle

import (
	"sync"
	"time"

	"hedgeflow/models"
)

type cacheEntry struct {
	price     models.Price
	storedAt  time.Time
	expiresAt time.Time
}

// priceCache memoizes resolved prices per symbol. An entry is served while
// it is younger than ttl and its quote is no older than maxAge.
type priceCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	maxAge  time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

func newPriceCache(ttl, maxAge time.Duration, now func() time.Time) *priceCache {
	return &priceCache{ttl: ttl, maxAge: maxAge, now: now, entries: make(map[string]cacheEntry)}
}

func (c *priceCache) get(symbol string) (models.Price, bool) {
	c.mu.RLock()
	entry, ok := c.entries[symbol]
	c.mu.RUnlock()
	if !ok {
		return models.Price{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if current, ok := c.entries[symbol]; ok && current.storedAt.Equal(entry.storedAt) {
			delete(c.entries, symbol)
		}
		c.mu.Unlock()
		return models.Price{}, false
	}
	return entry.price, true
}

func (c *priceCache) set(symbol string, price models.Price) {
	if !price.Value.IsPositive() {
		return
	}
	now := c.now()
	expires := now.Add(c.ttl)
	if c.maxAge > 0 && !price.Timestamp.IsZero() {
		// Validate accepts an age equal to maxAge, so the quote goes stale just after it.
		if stale := price.Timestamp.Add(c.maxAge + time.Nanosecond); stale.Before(expires) {
			expires = stale
		}
	}
	if !now.Before(expires) {
		return
	}
	c.mu.Lock()
	c.entries[symbol] = cacheEntry{price: price, storedAt: now, expiresAt: expires}
	c.mu.Unlock()
}

func (c *priceCache) delete(symbol string) {
	c.mu.Lock()
	delete(c.entries, symbol)
	c.mu.Unlock()
}
