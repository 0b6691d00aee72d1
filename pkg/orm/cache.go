package orm

import "sort"

// EntityCache maps (attribute, entity id) to a cache-format value. A cache
// belongs to one transaction and is never shared.
type EntityCache struct {
	data map[*Attribute]map[int64]any
}

// Invalidation names cache entries to drop: the given ids of Attribute, or
// every entry of Attribute when IDs is nil.
type Invalidation struct {
	Attribute *Attribute
	IDs       []int64
}

func newEntityCache() *EntityCache {
	return &EntityCache{data: make(map[*Attribute]map[int64]any)}
}

// Get returns the cached value and whether it is present.
func (c *EntityCache) Get(a *Attribute, id int64) (any, bool) {
	v, ok := c.data[a][id]
	return v, ok
}

// Contains reports whether a value is cached.
func (c *EntityCache) Contains(a *Attribute, id int64) bool {
	_, ok := c.data[a][id]
	return ok
}

// Set assigns values[i] to ids[i].
func (c *EntityCache) Set(a *Attribute, ids []int64, values []any) {
	m := c.attr(a)
	for i, id := range ids {
		m[id] = values[i]
	}
}

// SetOne assigns one value.
func (c *EntityCache) SetOne(a *Attribute, id int64, v any) {
	c.attr(a)[id] = v
}

func (c *EntityCache) attr(a *Attribute) map[int64]any {
	m, ok := c.data[a]
	if !ok {
		m = make(map[int64]any)
		c.data[a] = m
	}
	return m
}

// MissingIDs returns, in order, the ids lacking a value for a. A positive
// limit bounds the result size.
func (c *EntityCache) MissingIDs(a *Attribute, ids []int64, limit int) []int64 {
	m := c.data[a]
	var out []int64
	for _, id := range ids {
		if _, ok := m[id]; ok {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// CachedIDs returns the ids holding a value for a, in ascending order.
func (c *EntityCache) CachedIDs(a *Attribute) []int64 {
	out := make([]int64, 0, len(c.data[a]))
	for id := range c.data[a] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Invalidate drops the named entries.
func (c *EntityCache) Invalidate(entries ...Invalidation) {
	for _, s := range entries {
		if s.IDs == nil {
			delete(c.data, s.Attribute)
			continue
		}
		m := c.data[s.Attribute]
		for _, id := range s.IDs {
			delete(m, id)
		}
	}
}

// InvalidateAll empties the cache.
func (c *EntityCache) InvalidateAll() {
	c.data = make(map[*Attribute]map[int64]any)
}

// dropRecords removes every entry of the given records.
func (c *EntityCache) dropRecords(coll *Collection, ids []int64) {
	for _, a := range coll.ordered {
		m := c.data[a]
		for _, id := range ids {
			delete(m, id)
		}
	}
}
