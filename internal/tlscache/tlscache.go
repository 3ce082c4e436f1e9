// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tlscache implements the secure-context LRU cache: built
// *tls.Config values are expensive enough to build (they embed a
// manufactured or ACME-obtained certificate) that they're kept
// around, keyed by the combination of certificate identity and TLS
// options, and bounded by both size and a TTL capped at the
// certificate's own expiry. Grounded on caddytls/cache.go's
// certCache/configCache pair, collapsed here into a single
// context-level cache (cert-level caching already lives in
// internal/acme's Manager).
package tlscache

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxSize is the cache's default capacity (spec.md §4.8).
const DefaultMaxSize = 1000

// MaxContextTTL bounds how long a context may live even when the
// underlying certificate has a longer remaining lifetime (spec.md §4.8).
const MaxContextTTL = 24 * time.Hour

// Factory builds the cached value from scratch on a miss. certExpiry
// is used to compute the cache entry's own expiry.
type Factory func() (value any, certExpiry time.Time, err error)

type entry struct {
	key    string
	value  any
	expiry time.Time
	elem   *list.Element
}

// Cache is a size- and TTL-bounded LRU keyed by opaque strings
// (callers compose certCacheKey + "|" + tlsOpts.CanonicalKey()).
type Cache struct {
	maxSize int

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = most recently used
}

// New builds a Cache with the given capacity; maxSize <= 0 means
// DefaultMaxSize.
func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		maxSize: maxSize,
		entries: make(map[string]*entry),
		order:   list.New(),
	}
}

// GetOrCreate implements spec.md §4.8 exactly: a present, unexpired
// entry is promoted to most-recently-used and returned; otherwise any
// stale entry is evicted, factory is called, and the result is stored
// with expiry min(certExpiry, now+24h) (or now+24h if certExpiry is
// already past — an already-expired cert is still usable as a
// fallback for the remainder of this process's cache TTL, matching
// the source's permissive read on this edge case).
func (c *Cache) GetOrCreate(key string, factory Factory) (any, error) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if now.Before(e.expiry) {
			c.order.MoveToFront(e.elem)
			value := e.value
			c.mu.Unlock()
			return value, nil
		}
		c.removeLocked(e)
	}
	c.mu.Unlock()

	value, certExpiry, err := factory()
	if err != nil {
		return nil, err
	}

	expiry := now.Add(MaxContextTTL)
	if certExpiry.After(now) && certExpiry.Before(expiry) {
		expiry = certExpiry
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry))
	}

	e := &entry{key: key, value: value, expiry: expiry}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e

	return value, nil
}

// removeLocked must be called with c.mu held.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.order.Remove(e.elem)
}

// Len reports the current number of cached entries (test/diagnostic use).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
