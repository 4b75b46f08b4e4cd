package process

import (
	lru "github.com/hashicorp/golang-lru"
)

// Cache keeps recently looked up process metadata with LRU eviction.
// Entries for exited processes stay until evicted.
type Cache struct {
	cache  *lru.Cache
	lookup func(int32) (Info, error)
}

// NewCache creates a cache holding at most size processes
func NewCache(size int) (*Cache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{cache: cache, lookup: Lookup}, nil
}

// Get returns metadata for pid, reading /proc on a miss. A process that
// has gone away yields an Info holding only the pid and is not cached.
func (c *Cache) Get(pid int32) Info {
	if v, ok := c.cache.Get(pid); ok {
		return v.(Info)
	}
	info, err := c.lookup(pid)
	if err != nil {
		return Info{Pid: pid}
	}
	c.cache.Add(pid, info)
	return info
}

// Len returns the number of cached processes
func (c *Cache) Len() int {
	return c.cache.Len()
}
