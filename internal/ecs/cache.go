package ecs

import (
	"strings"
	"sync"
)

// CachingStore wraps a Store and memoizes GetEntitiesWith results keyed
// by the sorted component list, invalidating the whole cache whenever
// Invalidate is called (or InvalidateIfDirty with a non-empty component
// touch set). The wrapper does not invalidate itself; whoever holds it
// decides when to call these.
type CachingStore struct {
	Store

	mu    sync.Mutex
	cache map[string][]EntityID
}

// NewCachingStore wraps inner.
func NewCachingStore(inner Store) *CachingStore {
	return &CachingStore{Store: inner, cache: make(map[string][]EntityID)}
}

func cacheKey(components []string) string {
	// Copy before sorting: callers may reuse their slice.
	sorted := append([]string(nil), components...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return strings.Join(sorted, "\x00")
}

// GetEntitiesWith serves from cache when present, otherwise delegates
// and caches the result.
func (c *CachingStore) GetEntitiesWith(components ...string) ([]EntityID, error) {
	key := cacheKey(components)

	c.mu.Lock()
	if hit, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return hit, nil
	}
	c.mu.Unlock()

	result, err := c.Store.GetEntitiesWith(components...)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = result
	c.mu.Unlock()
	return result, nil
}

// Invalidate drops every cached query result.
func (c *CachingStore) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string][]EntityID)
}

// InvalidateIfDirty invalidates the cache only when info touched at
// least one component, skipping the reset on ticks that changed nothing
// cache-relevant.
func (c *CachingStore) InvalidateIfDirty(info *DirtyInfo) {
	if info == nil || len(info.Components) == 0 {
		return
	}
	c.Invalidate()
}
