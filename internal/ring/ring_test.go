package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingPushPop(t *testing.T) {
	r := New[int](4)
	assert.Equal(t, 3, r.Space())
	require.True(t, r.Push(1))
	require.True(t, r.Push(2))
	require.True(t, r.Push(3))
	assert.False(t, r.Push(4), "ring should reject a 4th push into a capacity-4 buffer")

	v, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.True(t, r.Push(4))

	assert.Equal(t, 3, r.Len())
}

func TestRingPeekDoesNotConsume(t *testing.T) {
	r := New[string](3)
	r.Push("a")
	r.Push("b")
	v, ok := r.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, 2, r.Len())
}

func TestRingDropOldest(t *testing.T) {
	r := New[int](3)
	r.Push(1)
	r.Push(2)
	require.True(t, r.DropOldest())
	v, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.False(t, r.DropOldest())
}

func TestRingReset(t *testing.T) {
	r := New[int](4)
	r.Push(1)
	r.Push(2)
	r.Reset()
	assert.Equal(t, 0, r.Len())
	_, ok := r.Pop()
	assert.False(t, ok)
}
