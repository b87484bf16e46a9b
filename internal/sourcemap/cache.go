package sourcemap

import (
	lru "github.com/hashicorp/golang-lru"
)

// defaultCacheSize bounds how many parsed maps a Cache retains. A large
// monorepo scan (BreakpointPredictor) can discover thousands of .js.map
// files; without a bound, a long adapter session would retain every one of
// them for its whole lifetime.
const defaultCacheSize = 512

// Cache is a bounded, in-memory cache of parsed source maps keyed by their
// URL. It is safe for concurrent use only to the extent golang-lru.Cache
// itself is (it has its own internal lock).
type Cache struct {
	lru *lru.Cache
}

// NewCache creates a Cache holding at most size parsed maps (defaultCacheSize
// if size <= 0).
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Get returns the map previously stored under url, if any.
func (c *Cache) Get(url string) (*SourceMap, bool) {
	v, ok := c.lru.Get(url)
	if !ok {
		return nil, false
	}
	return v.(*SourceMap), true
}

// Put stores m under its own URL.
func (c *Cache) Put(m *SourceMap) {
	c.lru.Add(m.URL(), m)
}
