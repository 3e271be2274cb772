package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlab_InsertGetRemove(t *testing.T) {
	var s slab[string]

	a := s.insert("a")
	b := s.insert("b")
	assert.Equal(t, 2, s.len())

	v, ok := s.get(a)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	assert.True(t, s.remove(a))
	assert.False(t, s.remove(a), "second remove is a no-op")
	_, ok = s.get(a)
	assert.False(t, ok)
	assert.Equal(t, 1, s.len())

	// the freed slot is reused with a new generation
	c := s.insert("c")
	assert.Equal(t, a.index, c.index)
	assert.NotEqual(t, a.gen, c.gen)
	_, ok = s.get(a)
	assert.False(t, ok, "stale handle must not see the new value")
	v, ok = s.get(c)
	require.True(t, ok)
	assert.Equal(t, "c", v)

	v, ok = s.get(b)
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestSlab_Handles(t *testing.T) {
	var s slab[int]
	hs := make([]handle, 0, 8)
	for i := 0; i < 5; i++ {
		hs = append(hs, s.insert(i))
	}
	s.remove(hs[1])
	s.remove(hs[3])

	live := s.handles(nil)
	require.Len(t, live, 3)
	for _, h := range live {
		v, ok := s.get(h)
		require.True(t, ok)
		assert.Contains(t, []int{0, 2, 4}, v)
	}

	_, ok := s.get(handle{index: 99})
	assert.False(t, ok, "out of range handle")
}
