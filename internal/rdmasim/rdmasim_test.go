package rdmasim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoopbackWriteReadRoundTrip(t *testing.T) {
	fabric := NewFabric()
	region := NewRegion("r1", 64)
	fabric.Register("r1", region)

	got, err := fabric.Lookup("r1")
	require.NoError(t, err)

	require.NoError(t, got.WriteAt(8, []byte("hello")))
	dest := make([]byte, 5)
	require.NoError(t, got.ReadAt(8, dest))
	require.Equal(t, "hello", string(dest))
}

func TestTCPWriteReadRoundTrip(t *testing.T) {
	fabric := NewFabric()
	fabric.Register("reg", NewRegion("reg", 32))

	srv, err := Serve("127.0.0.1:0", fabric)
	require.NoError(t, err)
	defer srv.Close()

	client, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteAt("reg", 0, []byte("abcd")))
	dest := make([]byte, 4)
	require.NoError(t, client.ReadAt("reg", 0, dest))
	require.Equal(t, "abcd", string(dest))
}

func TestWriteOutOfBounds(t *testing.T) {
	r := NewRegion("r", 4)
	require.Error(t, r.WriteAt(2, []byte("abc")))
}
