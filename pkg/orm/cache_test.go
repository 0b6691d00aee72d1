package orm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheAttrs(t *testing.T) (*Attribute, *Attribute) {
	t.Helper()
	reg := saleRegistry()
	require.NoError(t, reg.Setup())
	c, err := reg.Collection("res.partner")
	require.NoError(t, err)
	name, ok := c.Attribute("name")
	require.True(t, ok)
	email, ok := c.Attribute("email")
	require.True(t, ok)
	return name, email
}

func TestEntityCacheGetSet(t *testing.T) {
	name, email := cacheAttrs(t)
	c := newEntityCache()

	_, ok := c.Get(name, 1)
	assert.False(t, ok)

	c.Set(name, []int64{3, 1, 2}, []any{"c", "a", "b"})
	c.SetOne(email, 1, nil)

	v, ok := c.Get(name, 1)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	assert.True(t, c.Contains(email, 1), "a nil value is still a cache entry")
	assert.False(t, c.Contains(email, 2))
	assert.Equal(t, []int64{1, 2, 3}, c.CachedIDs(name))
}

func TestEntityCacheMissingIDs(t *testing.T) {
	name, _ := cacheAttrs(t)
	c := newEntityCache()
	c.Set(name, []int64{2, 4}, []any{"b", "d"})

	ids := []int64{5, 1, 2, 3, 4, 6}
	assert.Equal(t, []int64{5, 1, 3, 6}, c.MissingIDs(name, ids, 0))
	assert.Equal(t, []int64{5, 1}, c.MissingIDs(name, ids, 2))
	assert.Empty(t, c.MissingIDs(name, []int64{2, 4}, 0))
}

func TestEntityCacheInvalidate(t *testing.T) {
	name, email := cacheAttrs(t)
	c := newEntityCache()
	c.Set(name, []int64{1, 2, 3}, []any{"a", "b", "c"})
	c.Set(email, []int64{1, 2}, []any{"a@x", "b@x"})

	c.Invalidate(Invalidation{Attribute: name, IDs: []int64{2}})
	assert.Equal(t, []int64{1, 3}, c.CachedIDs(name))
	assert.Equal(t, []int64{1, 2}, c.CachedIDs(email))

	c.Invalidate(Invalidation{Attribute: email})
	assert.Empty(t, c.CachedIDs(email))

	c.InvalidateAll()
	assert.Empty(t, c.CachedIDs(name))
}
