package topo

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/kvstore"
)

// newTestKVStore mirrors internal/kvstore's own test helper: bind an
// ephemeral port, serve in the background for the test's duration.
func newTestKVStore(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	server := kvstore.NewServer(addr, zerolog.Nop())
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

	client := kvstore.NewClient(addr)
	require.Eventually(t, func() bool {
		_, _, err := client.Get(context.Background(), "probe")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	return addr
}

func TestBootstrapTwoProcessesResolveEachOther(t *testing.T) {
	kvAddr := newTestKVStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const self0, self1 cryptoutil.ProcID = 0, 1

	type result struct {
		cluster *Cluster
		err     error
	}
	results := make(chan result, 2)

	go func() {
		c, err := Bootstrap(ctx, kvAddr, "127.0.0.1:0", self0, []cryptoutil.ProcID{self1})
		results <- result{c, err}
	}()
	go func() {
		c, err := Bootstrap(ctx, kvAddr, "127.0.0.1:0", self1, []cryptoutil.ProcID{self0})
		results <- result{c, err}
	}()

	byID := make(map[cryptoutil.ProcID]*Cluster, 2)
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		byID[r.cluster.Self] = r.cluster
	}
	defer func() {
		for _, c := range byID {
			_ = c.Close()
		}
	}()

	c0, c1 := byID[self0], byID[self1]
	require.Contains(t, c0.Peers, self1)
	require.Contains(t, c1.Peers, self0)
	peerOfC1, err := c1.Facade.PeerKey(self0)
	require.NoError(t, err)
	require.Equal(t, c0.Keys.Public, peerOfC1)

	peerOfC0, err := c0.Facade.PeerKey(self1)
	require.NoError(t, err)
	require.Equal(t, c1.Keys.Public, peerOfC0)

	require.NoError(t, c0.Ready(ctx))
	require.NoError(t, c1.Ready(ctx))
}

func TestBootstrapFailsWithoutAPeer(t *testing.T) {
	kvAddr := newTestKVStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Bootstrap(ctx, kvAddr, "127.0.0.1:0", 0, []cryptoutil.ProcID{42})
	require.Error(t, err)
}
