package kvstore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// newTestServer binds to an ephemeral port and runs a Server in the
// background for the duration of the test.
func newTestServer(t *testing.T) *Client {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	server := NewServer(addr, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = server.ListenAndServe(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the listener a moment to come up before the first request.
	client := NewClient(addr)
	require.Eventually(t, func() bool {
		_, _, err := client.Get(context.Background(), "probe")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	return client
}

func TestPutThenGetRoundTrip(t *testing.T) {
	client := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, client.Put(ctx, "hello", []byte("world")))

	value, ok, err := client.Get(ctx, "hello")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "world", string(value))
}

func TestGetMissingKeyNotFound(t *testing.T) {
	client := newTestServer(t)
	_, ok, err := client.Get(context.Background(), "never-written")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPublishAndFetchDescriptor(t *testing.T) {
	client := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, client.PublishDescriptor(ctx, 0, 1, "qp", []byte("descriptor-bytes")))

	value, err := client.FetchDescriptor(ctx, 1, 0, "qp", time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "descriptor-bytes", string(value))
}

func TestFetchDescriptorTimesOutWhenNeverPublished(t *testing.T) {
	client := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.FetchDescriptor(ctx, 1, 0, "qp", 5*time.Millisecond)
	require.Error(t, err)
}

func TestBarrierWaitsForAllParticipants(t *testing.T) {
	client := newTestServer(t)
	ctx := context.Background()

	// Three participants; only 0 and 2 announce before we check, so
	// a bounded-deadline barrier for self=0 waiting on {0,1,2} must
	// still be blocked until 1 shows up.
	require.NoError(t, client.Put(ctx, barrierKey("qp_announced", 2), []byte{1}))

	done := make(chan error, 1)
	barrierCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	go func() {
		done <- client.Barrier(barrierCtx, "qp_announced", 0, []int{0, 1, 2}, 5*time.Millisecond)
	}()

	select {
	case err := <-done:
		t.Fatalf("barrier returned early (err=%v) before participant 1 announced", err)
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, client.Put(ctx, barrierKey("qp_announced", 1), []byte{1}))
	require.NoError(t, <-done)
}
