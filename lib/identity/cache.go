/*
 * BTPS
 * Copyright (C) 2025  BTPS Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package identity

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// ttlCache memoizes resolution results per DNS name. Expired entries are
// refreshed by exactly one caller; the rest share the in-flight result.
// Failures are not cached.
type ttlCache struct {
	clock clockwork.Clock
	sf    singleflight.Group

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   any
	expires time.Time
}

func newTTLCache(clock clockwork.Clock) *ttlCache {
	return &ttlCache{clock: clock, entries: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || c.clock.Now().After(entry.expires) {
		return nil, false
	}
	return entry.value, true
}

func (c *ttlCache) put(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expires: c.clock.Now().Add(ttl)}
}

// do returns the cached value for key or computes it, collapsing
// concurrent computations of the same key into one call.
func (c *ttlCache) do(key string, fn func() (any, time.Duration, error)) (any, error) {
	if v, ok := c.get(key); ok {
		return v, nil
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		// A racing caller may have refreshed the entry already.
		if v, ok := c.get(key); ok {
			return v, nil
		}
		v, ttl, err := fn()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		c.put(key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return v, nil
}

func (c *ttlCache) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
