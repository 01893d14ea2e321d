// Package deltacache implements the shared, bounded cache of reconstructed
// delta bases the chunk reader consults before walking a delta chain: a
// capability-style cache with a single put/get surface and an explicit
// byte budget, so callers pass a reference rather than relying on a
// global mutable singleton (spec §9's resolved design note on the source's
// shared-inflater pattern applies here too).
//
// Grounded on the bounded, mutex-guarded cache in the slotcache example
// (other_examples) for the "single lock, explicit capacity" shape, with
// eviction ordering from container/list (classic intrusive LRU) and
// golang.org/x/sync/singleflight layered on top so concurrent misses for
// the same key collapse into one load instead of duplicating work.
package deltacache

import (
	"container/list"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/distr1/gitstore/internal/varint"
)

// Key identifies one cached delta base: the chunk it lives in plus its
// byte offset within that chunk.
type Key struct {
	ChunkID varint.ID
	Offset  uint64
}

// Value is a resolved object: its type code and inflated bytes.
type Value struct {
	Type  uint8
	Bytes []byte
}

type entry struct {
	key   Key
	value Value
}

// Cache is a bounded, approximately-LRU cache of delta bases, evicted by
// total byte budget rather than entry count. The zero value is not usable;
// construct with New.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	ll       *list.List
	items    map[Key]*list.Element

	sf singleflight.Group
}

// New returns an empty cache that evicts once the sum of cached Value.Bytes
// lengths would exceed capacityBytes.
func New(capacityBytes int64) *Cache {
	return &Cache{
		capacity: capacityBytes,
		ll:       list.New(),
		items:    make(map[Key]*list.Element),
	}
}

// Get returns the cached value for key, if present, marking it
// most-recently-used.
func (c *Cache) Get(key Key) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return Value{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Put inserts or replaces the cached value for key, evicting the
// least-recently-used entries until the cache fits within its byte budget.
func (c *Cache) Put(key Key, value Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

func (c *Cache) putLocked(key Key, value Value) {
	if el, ok := c.items[key]; ok {
		old := el.Value.(*entry)
		c.used -= int64(len(old.value.Bytes))
		old.value = value
		c.used += int64(len(value.Bytes))
		c.ll.MoveToFront(el)
		c.evictLocked()
		return
	}
	el := c.ll.PushFront(&entry{key: key, value: value})
	c.items[key] = el
	c.used += int64(len(value.Bytes))
	c.evictLocked()
}

func (c *Cache) evictLocked() {
	for c.used > c.capacity && c.ll.Len() > 0 {
		back := c.ll.Back()
		e := back.Value.(*entry)
		c.used -= int64(len(e.value.Bytes))
		c.ll.Remove(back)
		delete(c.items, e.key)
	}
}

// GetOrLoad returns the cached value for key, or calls load exactly once
// across any number of concurrent callers asking for the same key,
// caching and returning its result.
func (c *Cache) GetOrLoad(key Key, load func() (Value, error)) (Value, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	sfKey := fmt.Sprintf("%s:%d", key.ChunkID.String(), key.Offset)
	v, err, _ := c.sf.Do(sfKey, func() (interface{}, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		val, err := load()
		if err != nil {
			return Value{}, err
		}
		c.Put(key, val)
		return val, nil
	})
	if err != nil {
		return Value{}, err
	}
	return v.(Value), nil
}

// Len reports the number of entries currently cached, exposed for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
