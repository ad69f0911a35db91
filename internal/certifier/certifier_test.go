package certifier

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/p2p"
	"github.com/LPD-EPFL/ubft-sub000/internal/rdmasim"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
	"github.com/LPD-EPFL/ubft-sub000/internal/workpool"
)

const (
	certTestWindow        uint64 = 8
	promiseMaxPayload            = 8
	shareMaxPayload               = 8 + 64
)

var certTestIDs = []cryptoutil.ProcID{0, 1, 2}

// certFixture wires a full mesh of three Certifiers (n=3, f=1): every
// ordered pair of replicas gets its own promise link and its own share
// link, exactly as original_source/ubft/src/certifier/certifier.hpp
// wires one sender/receiver per peer.
type certFixture struct {
	nodes map[cryptoutil.ProcID]*Certifier
	keys  map[cryptoutil.ProcID]*cryptoutil.KeyPair
}

func newCertFixture(t *testing.T, identifier string) *certFixture {
	t.Helper()

	keys := make(map[cryptoutil.ProcID]*cryptoutil.KeyPair)
	for _, id := range certTestIDs {
		kp, err := cryptoutil.GenerateKeyPair()
		require.NoError(t, err)
		keys[id] = kp
	}

	facades := make(map[cryptoutil.ProcID]*cryptoutil.Facade)
	for _, id := range certTestIDs {
		facades[id] = cryptoutil.NewFacade(keys[id])
	}
	for _, id := range certTestIDs {
		for _, peer := range certTestIDs {
			if peer == id {
				continue
			}
			facades[id].SetPeerKey(peer, keys[peer].Public)
		}
	}

	promiseSenders := make(map[cryptoutil.ProcID]map[cryptoutil.ProcID]*p2p.Sender)
	promiseReceivers := make(map[cryptoutil.ProcID]map[cryptoutil.ProcID]*p2p.Receiver)
	shareSenders := make(map[cryptoutil.ProcID]map[cryptoutil.ProcID]*p2p.Sender)
	shareReceivers := make(map[cryptoutil.ProcID]map[cryptoutil.ProcID]*p2p.Receiver)
	for _, id := range certTestIDs {
		promiseSenders[id] = make(map[cryptoutil.ProcID]*p2p.Sender)
		promiseReceivers[id] = make(map[cryptoutil.ProcID]*p2p.Receiver)
		shareSenders[id] = make(map[cryptoutil.ProcID]*p2p.Sender)
		shareReceivers[id] = make(map[cryptoutil.ProcID]*p2p.Receiver)
	}

	for _, from := range certTestIDs {
		for _, to := range certTestIDs {
			if from == to {
				continue
			}
			pRegion := rdmasim.NewRegion("promise", p2p.RegionSize(certTestWindow, promiseMaxPayload))
			promiseSenders[from][to] = p2p.NewSender(pRegion, certTestWindow, promiseMaxPayload)
			promiseReceivers[to][from] = p2p.NewReceiver(pRegion, certTestWindow, promiseMaxPayload)

			sRegion := rdmasim.NewRegion("share", p2p.RegionSize(certTestWindow, shareMaxPayload))
			shareSenders[from][to] = p2p.NewSender(sRegion, certTestWindow, shareMaxPayload)
			shareReceivers[to][from] = p2p.NewReceiver(sRegion, certTestWindow, shareMaxPayload)
		}
	}

	nodes := make(map[cryptoutil.ProcID]*Certifier)
	for _, id := range certTestIDs {
		pool := workpool.New(2, 8, 32)
		nodes[id] = New(Config{
			Self:             id,
			Keys:             facades[id],
			Pool:             pool,
			Window:           certTestWindow,
			StrIdentifier:    identifier,
			PromiseSenders:   promiseSenders[id],
			PromiseReceivers: promiseReceivers[id],
			ShareSenders:     shareSenders[id],
			ShareReceivers:   shareReceivers[id],
		})
	}

	return &certFixture{nodes: nodes, keys: keys}
}

func (f *certFixture) tick(t *testing.T) {
	t.Helper()
	for _, id := range certTestIDs {
		require.NoError(t, f.nodes[id].Tick())
	}
}

func (f *certFixture) tickUntil(t *testing.T, n int, cond func() bool) bool {
	t.Helper()
	for i := 0; i < n; i++ {
		f.tick(t)
		if cond() {
			return true
		}
		time.Sleep(time.Microsecond)
	}
	return cond()
}

func TestPollPromiseFastPathQuorum(t *testing.T) {
	f := newCertFixture(t, "echo-0")
	for _, id := range certTestIDs {
		require.NoError(t, f.nodes[id].Acknowledge(0, []byte("value-a"), false))
	}

	for _, id := range certTestIDs {
		node := id
		ok := f.tickUntil(t, 50, func() bool {
			idx, ready := f.nodes[node].PollPromise()
			return ready && idx == 0
		})
		require.True(t, ok, "node %d never polled a promise", node)
	}
}

func TestPollCertificateSlowPathQuorumAndCheck(t *testing.T) {
	f := newCertFixture(t, "echo-1")
	for _, id := range certTestIDs {
		f.nodes[id].ToggleSlowPath(true)
		require.NoError(t, f.nodes[id].Acknowledge(0, []byte("value-b"), false))
	}

	var certs []Certificate
	for _, id := range certTestIDs {
		node := id
		var cert Certificate
		ok := f.tickUntil(t, 400, func() bool {
			c, ready := f.nodes[node].PollCertificate()
			if ready {
				cert = c
			}
			return ready
		})
		require.True(t, ok, "node %d never built a certificate", node)
		require.Equal(t, 2, cert.NbShares())
		certs = append(certs, cert)
	}

	for _, id := range certTestIDs {
		for _, cert := range certs {
			require.True(t, f.nodes[id].Check(cert), "node %d rejected a valid certificate", id)
		}
	}
}

func TestCheckRejectsTamperedCertificate(t *testing.T) {
	f := newCertFixture(t, "echo-2")
	for _, id := range certTestIDs {
		f.nodes[id].ToggleSlowPath(true)
		require.NoError(t, f.nodes[id].Acknowledge(0, []byte("value-c"), false))
	}

	var cert Certificate
	ok := f.tickUntil(t, 400, func() bool {
		c, ready := f.nodes[0].PollCertificate()
		if ready {
			cert = c
		}
		return ready
	})
	require.True(t, ok)
	require.True(t, f.nodes[1].Check(cert))

	tampered := cert
	tampered.Message = []byte("value-tampered")
	require.False(t, f.nodes[1].Check(tampered))

	wrongQuorum := cert
	wrongQuorum.Shares = cert.Shares[:1]
	require.False(t, f.nodes[1].Check(wrongQuorum))

	dupSigner := cert
	dupSigner.Shares = append([]Share{cert.Shares[0]}, cert.Shares[0])
	require.False(t, f.nodes[1].Check(dupSigner))
}

func TestReceivedImplicitPromiseTwiceIsByzantine(t *testing.T) {
	f := newCertFixture(t, "echo-3")
	node := f.nodes[0]
	require.NoError(t, node.Acknowledge(0, []byte("value-d"), true))

	require.NoError(t, node.ReceivedImplicitPromise(1, 0))
	err := node.ReceivedImplicitPromise(1, 0)
	require.Error(t, err)
	require.ErrorIs(t, err, ubfterr.ErrByzantine)
}

func TestAcknowledgeTwiceIsProtocolViolation(t *testing.T) {
	f := newCertFixture(t, "echo-4")
	node := f.nodes[0]
	require.NoError(t, node.Acknowledge(0, []byte("value-e"), false))
	err := node.Acknowledge(0, []byte("value-e-again"), false)
	require.Error(t, err)
	require.ErrorIs(t, err, ubfterr.ErrProtocol)
}

func TestBufferedPromiseReplayDetectsDoublePromise(t *testing.T) {
	// A peer's two promises for an index this replica hasn't acknowledged
	// yet are buffered; once Acknowledge runs, the replay must still
	// catch the duplicate exactly as an in-order double promise would.
	f := newCertFixture(t, "echo-5")
	node := f.nodes[0]

	slot, err := f.nodes[1].promiseSenders[0].GetSlot(8)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(slot.Payload(), 0)
	f.nodes[1].promiseSenders[0].Send()
	require.NoError(t, f.nodes[1].promiseSenders[0].Tick())

	slot2, err := f.nodes[1].promiseSenders[0].GetSlot(8)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(slot2.Payload(), 0)
	f.nodes[1].promiseSenders[0].Send()
	require.NoError(t, f.nodes[1].promiseSenders[0].Tick())

	require.NoError(t, node.Tick())
	require.NoError(t, node.Tick())

	err = node.Acknowledge(0, []byte("value-f"), false)
	require.Error(t, err)
	require.ErrorIs(t, err, ubfterr.ErrByzantine)
}
