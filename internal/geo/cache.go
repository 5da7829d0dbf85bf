package geo

import (
	"container/list"
	"sync"
	"time"

	"github.com/fieldops/trackengine/pkg/utils"
)

// cacheEntry is one cached value
type cacheEntry[V any] struct {
	key       string
	value     V
	timestamp time.Time
}

// LRUCache is a thread-safe LRU cache with TTL
type LRUCache[V any] struct {
	capacity  int
	ttl       time.Duration
	clock     utils.Clock
	items     map[string]*list.Element
	evictList *list.List
	mu        sync.Mutex

	// Metrics
	hits   uint64
	misses uint64
}

// NewLRUCache creates a new LRU cache. A nil clock uses the wall clock.
func NewLRUCache[V any](capacity int, ttl time.Duration, clock utils.Clock) *LRUCache[V] {
	if capacity <= 0 {
		capacity = 1
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &LRUCache[V]{
		capacity:  capacity,
		ttl:       ttl,
		clock:     clock,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// Get retrieves a value from the cache
func (c *LRUCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}

	entry := elem.Value.(*cacheEntry[V])
	if c.expired(entry) {
		c.removeElement(elem)
		c.misses++
		return zero, false
	}

	c.evictList.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Set adds or updates a value in the cache
func (c *LRUCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if elem, ok := c.items[key]; ok {
		c.evictList.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry[V])
		entry.value = value
		entry.timestamp = now
		return
	}

	elem := c.evictList.PushFront(&cacheEntry[V]{key: key, value: value, timestamp: now})
	c.items[key] = elem

	if c.evictList.Len() > c.capacity {
		c.removeOldest()
	}
}

// Delete removes a key from the cache
func (c *LRUCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear removes all entries from the cache
func (c *LRUCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.evictList.Init()
}

// Size returns the number of items in the cache
func (c *LRUCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}

// Stats returns cache statistics
func (c *LRUCache[V]) Stats() (hits, misses uint64, hitRate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hits = c.hits
	misses = c.misses
	total := hits + misses
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return
}

// Clean removes expired entries
func (c *LRUCache[V]) Clean() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	// Oldest first. Gets refresh recency but not the timestamp, so keep going
	// past live entries.
	for elem := c.evictList.Back(); elem != nil; {
		prev := elem.Prev()
		if c.expired(elem.Value.(*cacheEntry[V])) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}

	return removed
}

func (c *LRUCache[V]) expired(entry *cacheEntry[V]) bool {
	return c.ttl > 0 && c.clock.Now().Sub(entry.timestamp) > c.ttl
}

// removeOldest removes the least recently used entry
func (c *LRUCache[V]) removeOldest() {
	if elem := c.evictList.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *LRUCache[V]) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry[V])
	delete(c.items, entry.key)
	c.evictList.Remove(elem)
}
