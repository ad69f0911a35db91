// Package topo is the bootstrap glue both cmd/ubft-server and
// cmd/ubft-client use to turn a set of process ids and a shared
// bootstrap key-value store address into a dialed mesh of rdmasim TCP
// connections and a verified cryptoutil.Facade, following spec.md
// §6's bootstrap sequence: announce, connect, then signal readiness.
//
// Grounded on original_source/ubft/src/rpc/server.hpp's connection
// setup (every process resolves every peer's queue-pair descriptor
// through an external store before issuing any protocol message) and
// this module's own internal/kvstore client, built earlier for exactly
// this purpose.
package topo

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/kvstore"
	"github.com/LPD-EPFL/ubft-sub000/internal/rdmasim"
)

const pollInterval = 2 * time.Millisecond

const (
	// KindAddr names the descriptor kind carrying a process's dialable
	// rdmasim TCP address. KindPubkey carries its ed25519 public key.
	KindAddr   = "addr"
	KindPubkey = "pubkey"
)

// Peer is one other process this one has dialed, ready to address
// named regions on its fabric.
type Peer struct {
	ID     cryptoutil.ProcID
	Addr   string
	client *rdmasim.Client
}

// Cluster bundles one process's bootstrap-resolved identity, its own
// hosted fabric, and dialed connections to every other named process.
type Cluster struct {
	Self   cryptoutil.ProcID
	Keys   *cryptoutil.KeyPair
	Facade *cryptoutil.Facade

	fabric *rdmasim.Fabric
	server *rdmasim.Server
	kv     *kvstore.Client

	Peers map[cryptoutil.ProcID]*Peer

	others []cryptoutil.ProcID // every other participant, for barriers
}

// Bootstrap generates a fresh signing identity, starts this process's
// own rdmasim TCP server at listen, publishes its address and public
// key for every id in others, waits for all of them to do likewise,
// then dials each of them. Two barriers (spec.md §6's qp_announced and
// qp_connected) bound the publish and dial phases so no process races
// ahead of a peer that hasn't yet registered its descriptor.
func Bootstrap(ctx context.Context, kvAddr, listen string, self cryptoutil.ProcID, others []cryptoutil.ProcID) (*Cluster, error) {
	keys, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("topo: generate identity: %w", err)
	}
	facade := cryptoutil.NewFacade(keys)

	fabric := rdmasim.NewFabric()
	server, err := rdmasim.Serve(listen, fabric)
	if err != nil {
		return nil, fmt.Errorf("topo: serve fabric: %w", err)
	}

	kv := kvstore.NewClient(kvAddr)
	for _, peer := range others {
		if err := kv.PublishDescriptor(ctx, int(self), int(peer), KindAddr, []byte(server.Addr())); err != nil {
			return nil, fmt.Errorf("topo: publish address for %d: %w", peer, err)
		}
		if err := kv.PublishDescriptor(ctx, int(self), int(peer), KindPubkey, []byte(keys.Public)); err != nil {
			return nil, fmt.Errorf("topo: publish public key for %d: %w", peer, err)
		}
	}

	barrierIDs := append([]int{int(self)}, intIDs(others)...)
	if err := kv.Barrier(ctx, "qp_announced", int(self), barrierIDs, pollInterval); err != nil {
		return nil, fmt.Errorf("topo: qp_announced barrier: %w", err)
	}

	peers := make(map[cryptoutil.ProcID]*Peer, len(others))
	for _, id := range others {
		addrBytes, err := kv.FetchDescriptor(ctx, int(self), int(id), KindAddr, pollInterval)
		if err != nil {
			return nil, fmt.Errorf("topo: fetch address for %d: %w", id, err)
		}
		pubBytes, err := kv.FetchDescriptor(ctx, int(self), int(id), KindPubkey, pollInterval)
		if err != nil {
			return nil, fmt.Errorf("topo: fetch public key for %d: %w", id, err)
		}
		facade.SetPeerKey(id, ed25519.PublicKey(pubBytes))

		client, err := rdmasim.Dial(string(addrBytes))
		if err != nil {
			return nil, fmt.Errorf("topo: dial %d at %s: %w", id, addrBytes, err)
		}
		peers[id] = &Peer{ID: id, Addr: string(addrBytes), client: client}
	}

	if err := kv.Barrier(ctx, "qp_connected", int(self), barrierIDs, pollInterval); err != nil {
		return nil, fmt.Errorf("topo: qp_connected barrier: %w", err)
	}

	return &Cluster{
		Self:   self,
		Keys:   keys,
		Facade: facade,
		fabric: fabric,
		server: server,
		kv:     kv,
		Peers:  peers,
		others: append([]cryptoutil.ProcID(nil), others...),
	}, nil
}

// HostRegion registers and returns a freshly zeroed region of size
// bytes under name on this process's own fabric, for a remote peer's
// Sender to write into and this process's own Receiver to poll.
func (c *Cluster) HostRegion(name string, size int) *rdmasim.Region {
	region := rdmasim.NewRegion(name, size)
	c.fabric.Register(name, region)
	return region
}

// RemoteEndpoint returns the rdmasim.Endpoint addressing the region
// named name on peer's fabric, for a local p2p.Sender to write into.
func (c *Cluster) RemoteEndpoint(peer cryptoutil.ProcID, name string) (rdmasim.Endpoint, error) {
	p, ok := c.Peers[peer]
	if !ok {
		return nil, fmt.Errorf("topo: no dialed connection to peer %d", peer)
	}
	return rdmasim.NewRemoteRegion(p.client, name), nil
}

// Ready signals this process has finished wiring every abstraction
// over the dialed connections and blocks until every other named
// participant has done likewise (spec.md §6's abstractions_initialized
// barrier), so the main tick loop only starts once the whole cluster
// is ready to exchange protocol messages.
func (c *Cluster) Ready(ctx context.Context) error {
	barrierIDs := append([]int{int(c.Self)}, intIDs(c.others)...)
	if err := c.kv.Barrier(ctx, "abstractions_initialized", int(c.Self), barrierIDs, pollInterval); err != nil {
		return fmt.Errorf("topo: abstractions_initialized barrier: %w", err)
	}
	return nil
}

// Close tears down this process's fabric server and every dialed peer
// connection.
func (c *Cluster) Close() error {
	var firstErr error
	for _, p := range c.Peers {
		if err := p.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.server.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func intIDs(ids []cryptoutil.ProcID) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
