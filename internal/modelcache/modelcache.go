// SPDX-License-Identifier: MIT

// Package modelcache keeps loaded recognition models in memory under a byte
// budget. Entries are keyed by (model, device, precision) and evicted least
// recently used; evicted handles are closed to release native resources.
package modelcache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/scribeapp/scribed/internal/log"
	"github.com/scribeapp/scribed/internal/metrics"
)

// Handle is a loaded model owned by the cache. Close releases whatever the
// recognition runtime allocated for it.
type Handle interface {
	Close() error
}

// Key identifies one loaded model variant.
type Key struct {
	Model     string
	Device    string
	Precision string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Model, k.Device, k.Precision)
}

// Cache is a memory-budgeted LRU over loaded models. Sizes are the catalog's
// estimates, not measured usage; they only steer eviction. A single entry
// larger than the whole budget is allowed to stay, so the biggest model
// remains loadable.
//
// Eviction closes the evicted handle. Callers must not hold a handle across
// loads of other models.
type Cache struct {
	mu      sync.Mutex
	budget  int64
	bytes   int64
	ll      *list.List // front = most recently used
	entries map[Key]*list.Element
	group   singleflight.Group
	logger  zerolog.Logger
}

type item struct {
	key    Key
	handle Handle
	bytes  int64
}

// New returns an empty cache with the given byte budget.
func New(budget int64) *Cache {
	return &Cache{
		budget:  budget,
		ll:      list.New(),
		entries: make(map[Key]*list.Element),
		logger:  log.WithComponent("modelcache"),
	}
}

// Get returns the cached handle for key and marks it most recently used.
func (c *Cache) Get(key Key) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	c.ll.MoveToFront(el)
	metrics.CacheHitsTotal.Inc()
	return el.Value.(*item).handle, true
}

// Put inserts a handle, evicting least-recently-used entries until the new
// total fits the budget or the cache holds nothing else. The incoming entry
// is never evicted.
func (c *Cache) Put(key Key, handle Handle, estimatedBytes int64) {
	evicted := c.insert(key, handle, estimatedBytes)
	for _, it := range evicted {
		if err := it.handle.Close(); err != nil {
			c.logger.Warn().Err(err).
				Str(log.FieldModel, it.key.Model).
				Msg("closing evicted model failed")
		}
	}
}

func (c *Cache) insert(key Key, handle Handle, estimatedBytes int64) []*item {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []*item

	if el, ok := c.entries[key]; ok {
		old := el.Value.(*item)
		c.ll.Remove(el)
		delete(c.entries, key)
		c.bytes -= old.bytes
		evicted = append(evicted, old)
	}

	for c.ll.Len() > 0 && c.bytes+estimatedBytes > c.budget {
		back := c.ll.Back()
		victim := back.Value.(*item)
		c.ll.Remove(back)
		delete(c.entries, victim.key)
		c.bytes -= victim.bytes
		evicted = append(evicted, victim)
		metrics.CacheEvictionsTotal.Inc()
		c.logger.Info().
			Str(log.FieldModel, victim.key.Model).
			Str(log.FieldDevice, victim.key.Device).
			Int64(log.FieldBytes, victim.bytes).
			Msg("evicted model from cache")
	}

	el := c.ll.PushFront(&item{key: key, handle: handle, bytes: estimatedBytes})
	c.entries[key] = el
	c.bytes += estimatedBytes

	metrics.CacheEntries.Set(float64(c.ll.Len()))
	metrics.CacheBytes.Set(float64(c.bytes))
	c.logger.Info().
		Int("models", c.ll.Len()).
		Int64(log.FieldBytes, c.bytes).
		Int64("budget", c.budget).
		Msg("model cache updated")

	return evicted
}

// GetOrLoad returns the cached handle for key, loading it with load on a
// miss. Concurrent callers for the same key share one load.
func (c *Cache) GetOrLoad(key Key, estimatedBytes int64, load func() (Handle, error)) (Handle, error) {
	if h, ok := c.Get(key); ok {
		return h, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// A racing loader may have finished while we queued.
		if h, ok := c.Get(key); ok {
			return h, nil
		}
		h, err := load()
		if err != nil {
			return nil, err
		}
		c.Put(key, h, estimatedBytes)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Handle), nil
}

// Len returns the number of cached models.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Bytes returns the estimated total size of cached models.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Close drops every entry and closes all handles.
func (c *Cache) Close() error {
	c.mu.Lock()
	items := make([]*item, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		items = append(items, el.Value.(*item))
	}
	c.ll.Init()
	c.entries = make(map[Key]*list.Element)
	c.bytes = 0
	metrics.CacheEntries.Set(0)
	metrics.CacheBytes.Set(0)
	c.mu.Unlock()

	var firstErr error
	for _, it := range items {
		if err := it.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
