package wingcache

import (
	"strings"
	"sync"
)

// ramCache is a byte-bounded LRU of recently read entries. It only mirrors
// what the leveldb stores hold, so evicting from it never removes data.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
	// writes counts Put and Delete calls. Readers refilling from disk compare
	// it to the value seen before their read so they never shadow a newer write.
	writes uint64
}

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func entrySize(key string, ent CacheEntry) int64 {
	n := len(key) + len(ent.Body)
	for k, vs := range ent.Header {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	return int64(n)
}

func (c *ramCache) enabled() bool { return c != nil && c.maxBytes > 0 }

func (c *ramCache) TotalSize() int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	if !c.enabled() {
		return CacheEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

// Put records a write of key.
func (c *ramCache) Put(key string, ent CacheEntry) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	c.putLocked(key, ent)
}

func (c *ramCache) writeSeq() uint64 {
	if !c.enabled() {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// fill caches an entry read from disk, unless a write happened since seq was
// taken. It reports whether the entry was kept.
func (c *ramCache) fill(key string, ent CacheEntry, seq uint64) bool {
	if !c.enabled() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writes != seq {
		return false
	}
	c.putLocked(key, ent)
	return true
}

func (c *ramCache) putLocked(key string, ent CacheEntry) {
	sz := entrySize(key, ent)
	if sz > c.maxBytes {
		if it, ok := c.items[key]; ok {
			c.removeLocked(it)
		}
		return
	}
	if it, ok := c.items[key]; ok {
		c.total += sz - it.size
		it.ent = ent
		it.size = sz
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent, size: sz}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}
	for c.total > c.maxBytes && c.tail != nil {
		c.removeLocked(c.tail)
	}
}

func (c *ramCache) Delete(key string) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if it, ok := c.items[key]; ok {
		c.removeLocked(it)
	}
}

// DeletePrefix drops every key starting with prefix.
func (c *ramCache) DeletePrefix(prefix string) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.removeLocked(it)
		}
	}
}

func (c *ramCache) removeLocked(it *ramItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) unlink(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}
