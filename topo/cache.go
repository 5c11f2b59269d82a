package topo

import (
	"sync"

	"github.com/paulmach/orb"
)

// GeometryCache memoizes derived per-segment geometry within one run.
// Segments are immutable, so entries are keyed by pointer. A nil cache
// computes every value directly.
type GeometryCache struct {
	mu      sync.Mutex
	entries map[*Segment]*cachedGeometry
	hits    int
	misses  int
}

type cachedGeometry struct {
	length      float64
	bound       orb.Bound
	simple      bool
	simpleKnown bool
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries int `json:"entries"`
	Hits    int `json:"hits"`
	Misses  int `json:"misses"`
}

// NewGeometryCache creates an empty cache.
func NewGeometryCache() *GeometryCache {
	return &GeometryCache{entries: make(map[*Segment]*cachedGeometry)}
}

func (c *GeometryCache) entry(e Engine, s *Segment) *cachedGeometry {
	if ce, ok := c.entries[s]; ok {
		c.hits++
		return ce
	}
	c.misses++
	ce := &cachedGeometry{
		length: e.Length(s.Geometry),
		bound:  s.Geometry.Bound(),
	}
	c.entries[s] = ce
	return ce
}

// Length returns the planar length of s.
func (c *GeometryCache) Length(e Engine, s *Segment) float64 {
	if c == nil {
		return e.Length(s.Geometry)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry(e, s).length
}

// Bound returns the bounding box of s.
func (c *GeometryCache) Bound(e Engine, s *Segment) orb.Bound {
	if c == nil {
		return s.Geometry.Bound()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry(e, s).bound
}

// Simple reports whether s is a simple line.
func (c *GeometryCache) Simple(e Engine, s *Segment) bool {
	if c == nil {
		return s.Geometry.IsSimple()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ce := c.entry(e, s)
	if !ce.simpleKnown {
		ce.simple = s.Geometry.IsSimple()
		ce.simpleKnown = true
	}
	return ce.simple
}

// Retain drops every entry whose segment is not in keep.
func (c *GeometryCache) Retain(keep []*Segment) {
	if c == nil {
		return
	}
	live := make(map[*Segment]struct{}, len(keep))
	for _, s := range keep {
		live[s] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.entries {
		if _, ok := live[s]; !ok {
			delete(c.entries, s)
		}
	}
}

// Stats returns the current counters.
func (c *GeometryCache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}
