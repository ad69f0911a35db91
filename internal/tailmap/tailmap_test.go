package tailmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertGetWithinWindow(t *testing.T) {
	m := New[string](4)
	for i := uint64(0); i < 4; i++ {
		m.Insert(i, "v")
	}
	require.Equal(t, 4, m.Len())
	for i := uint64(0); i < 4; i++ {
		_, ok := m.Get(i)
		require.True(t, ok)
	}
}

func TestWrapAroundDropsOldest(t *testing.T) {
	// w=4, insert 100 messages, expect only the last 4 survive.
	m := New[int](4)
	for i := 0; i < 100; i++ {
		m.Insert(uint64(i), i)
	}
	require.Equal(t, 4, m.Len())
	for i := 96; i < 100; i++ {
		v, ok := m.Get(uint64(i))
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	for i := 0; i < 96; i++ {
		_, ok := m.Get(uint64(i))
		require.False(t, ok, "index %d should have been evicted", i)
	}
}

func TestForgetIsIdempotent(t *testing.T) {
	m := New[int](8)
	for i := 0; i < 8; i++ {
		m.Insert(uint64(i), i)
	}
	m.Forget(3)
	require.Equal(t, 4, m.Len())
	m.Forget(3) // second call is a no-op
	require.Equal(t, 4, m.Len())
	_, ok := m.Get(3)
	require.False(t, ok)
	_, ok = m.Get(4)
	require.True(t, ok)
}

func TestTailQueuePollNextInOrder(t *testing.T) {
	q := NewQueue[int](4)
	q.Insert(2, 200)
	q.Insert(0, 0)
	q.Insert(1, 100)

	idx, v, ok := q.PollNext()
	require.True(t, ok)
	require.Equal(t, uint64(0), idx)
	require.Equal(t, 0, v)

	idx, v, ok = q.PollNext()
	require.True(t, ok)
	require.Equal(t, uint64(1), idx)
	require.Equal(t, 100, v)

	_, _, ok = q.PollNext()
	require.True(t, ok) // index 2
}

func TestTailQueueSkipsEvictedGap(t *testing.T) {
	q := NewQueue[int](2)
	for i := 0; i < 10; i++ {
		q.Insert(uint64(i), i)
	}
	idx, v, ok := q.PollNext()
	require.True(t, ok)
	require.Equal(t, uint64(8), idx)
	require.Equal(t, 8, v)
}
