package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetReleaseRoundTrip(t *testing.T) {
	p := New(16, 2)

	s1, err := p.Get()
	require.NoError(t, err)
	require.Len(t, s1.Bytes(), 16)
	require.Equal(t, 1, p.Outstanding())

	s2, err := p.Get()
	require.NoError(t, err)
	require.Equal(t, 2, p.Outstanding())

	_, err = p.Get()
	require.Error(t, err)

	s1.Release()
	require.Equal(t, 1, p.Outstanding())

	s3, err := p.Get()
	require.NoError(t, err)
	require.Equal(t, 2, p.Outstanding())

	s2.Release()
	s3.Release()
	require.Equal(t, 0, p.Outstanding())
}

func TestReleaseIsIdempotentNoOpAfterFirst(t *testing.T) {
	p := New(8, 1)
	s, err := p.Get()
	require.NoError(t, err)
	s.Release()
	require.NotPanics(t, func() { s.Release() })
	require.Equal(t, 0, p.Outstanding())
}
