// Package ttlcache is a bounded in-memory key/value cache with a per-entry
// time to live.
//
// Eviction is FIFO-with-refresh: entries are kept in touch order, a
// successful Get moves the entry to the back, and when the cache is full the
// entry at the front (least recently inserted or touched) is dropped. A touch
// changes only the position; the TTL always counts from the last Set.
package ttlcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/freightdesk/mailingest/pkg/metrics"
)

const DefaultCapacity = 2000

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
}

type entry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
}

// Option customises a cache at construction.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	name     string
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu        sync.Mutex
	order     *list.List // front = oldest
	items     map[string]*list.Element
	hits      uint64
	misses    uint64
	evictions uint64
	gen       uint64 // bumped by Clear
}

// New creates a cache. name labels its metrics. A non-positive capacity
// falls back to DefaultCapacity; a non-positive ttl disables expiry.
func New[V any](name string, ttl time.Duration, capacity int, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache[V]{
		name:     name,
		ttl:      ttl,
		capacity: capacity,
		now:      o.now,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (c *Cache[V]) expired(e *entry[V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.insertedAt) > c.ttl
}

// Get returns the value for key and refreshes its position. Absent and
// expired keys count as misses; an expired entry is removed.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.misses++
		metrics.CacheOperations.WithLabelValues(c.name, "miss").Inc()
		return zero, false
	}

	e := el.Value.(*entry[V])
	if c.expired(e, c.now()) {
		c.removeElement(el)
		c.misses++
		metrics.CacheOperations.WithLabelValues(c.name, "miss").Inc()
		return zero, false
	}

	c.order.MoveToBack(el)
	c.hits++
	metrics.CacheOperations.WithLabelValues(c.name, "hit").Inc()
	return e.value, true
}

// Set stores value under key. At capacity the oldest entry is evicted first.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, value)
}

// Generation identifies the current contents epoch. It changes on every Clear.
func (c *Cache[V]) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// SetIfGeneration stores value only if no Clear happened since gen was read.
// Read-through fills use it so a value loaded before an invalidation is not
// cached after it.
func (c *Cache[V]) SetIfGeneration(key string, value V, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.set(key, value)
	return true
}

func (c *Cache[V]) set(key string, value V) {
	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.insertedAt = now
		c.order.MoveToBack(el)
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Front(); oldest != nil {
			c.removeElement(oldest)
			c.evictions++
			metrics.CacheOperations.WithLabelValues(c.name, "eviction").Inc()
		}
	}

	c.items[key] = c.order.PushBack(&entry[V]{key: key, value: value, insertedAt: now})
	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(c.order.Len()))
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Clear drops every entry. Counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
	metrics.CacheEntries.WithLabelValues(c.name).Set(0)
}

// Len returns the number of stored entries, including expired ones not yet
// observed by Get.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns the current counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
		Capacity:  c.capacity,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cache[V]) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry[V])
	delete(c.items, e.key)
	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(c.order.Len()))
}
