package tcb

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/p2p"
	"github.com/LPD-EPFL/ubft-sub000/internal/rdmasim"
	"github.com/LPD-EPFL/ubft-sub000/internal/swmr"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
	"github.com/LPD-EPFL/ubft-sub000/internal/workpool"
)

const (
	testWindow     uint64 = 8
	testMaxPayload        = 128

	broadcasterID cryptoutil.ProcID = 0
	peerAID       cryptoutil.ProcID = 1
	peerBID       cryptoutil.ProcID = 2
)

// fixture wires one broadcaster and two receivers (n=3, f=1): message
// and (optionally) signature rings from the broadcaster to each
// receiver, echo rings between the two receivers, and a cross-check
// SWMR host per receiver that the other can read.
type fixture struct {
	broadcaster *Broadcaster
	a, b        *Receiver
}

func newFixture(t *testing.T, slow bool) *fixture {
	t.Helper()

	bcastKeys, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	aOwnKeys, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	bOwnKeys, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)

	bcastFacade := cryptoutil.NewFacade(bcastKeys)
	facadeA := cryptoutil.NewFacade(aOwnKeys)
	facadeA.SetPeerKey(broadcasterID, bcastKeys.Public)
	facadeB := cryptoutil.NewFacade(bOwnKeys)
	facadeB.SetPeerKey(broadcasterID, bcastKeys.Public)

	msgRegionA := rdmasim.NewRegion("msg-a", p2p.RegionSize(testWindow, testMaxPayload))
	msgRegionB := rdmasim.NewRegion("msg-b", p2p.RegionSize(testWindow, testMaxPayload))
	msgSenderA := p2p.NewSender(msgRegionA, testWindow, testMaxPayload)
	msgSenderB := p2p.NewSender(msgRegionB, testWindow, testMaxPayload)
	fromBcastA := p2p.NewReceiver(msgRegionA, testWindow, testMaxPayload)
	fromBcastB := p2p.NewReceiver(msgRegionB, testWindow, testMaxPayload)

	var sigSenderA, sigSenderB *p2p.Sender
	var fromBcastSigA, fromBcastSigB *p2p.Receiver
	if slow {
		sigRegionA := rdmasim.NewRegion("sig-a", p2p.RegionSize(testWindow, testMaxPayload))
		sigRegionB := rdmasim.NewRegion("sig-b", p2p.RegionSize(testWindow, testMaxPayload))
		sigSenderA = p2p.NewSender(sigRegionA, testWindow, testMaxPayload)
		sigSenderB = p2p.NewSender(sigRegionB, testWindow, testMaxPayload)
		fromBcastSigA = p2p.NewReceiver(sigRegionA, testWindow, testMaxPayload)
		fromBcastSigB = p2p.NewReceiver(sigRegionB, testWindow, testMaxPayload)
	}

	echoAtoB := rdmasim.NewRegion("echo-a-b", p2p.RegionSize(testWindow, testMaxPayload))
	echoBtoA := rdmasim.NewRegion("echo-b-a", p2p.RegionSize(testWindow, testMaxPayload))
	echoOutA := p2p.NewSender(echoAtoB, testWindow, testMaxPayload)
	echoInB := p2p.NewReceiver(echoAtoB, testWindow, testMaxPayload)
	echoOutB := p2p.NewSender(echoBtoA, testWindow, testMaxPayload)
	echoInA := p2p.NewReceiver(echoBtoA, testWindow, testMaxPayload)

	swmrRegionA := rdmasim.NewRegion("swmr-a", swmr.RegionSize(int(testWindow), swmrValueSize))
	swmrRegionB := rdmasim.NewRegion("swmr-b", swmr.RegionSize(int(testWindow), swmrValueSize))
	hostA := swmr.NewHost(swmrRegionA, int(testWindow), swmrValueSize)
	hostB := swmr.NewHost(swmrRegionB, int(testWindow), swmrValueSize)
	writerA := swmr.NewWriter(hostA)
	writerB := swmr.NewWriter(hostB)
	readerOfA := swmr.NewReader(hostA)
	readerOfB := swmr.NewReader(hostB)

	bcastPool := workpool.New(2, 8, 32)
	poolA := workpool.New(2, 8, 32)
	poolB := workpool.New(2, 8, 32)

	broadcaster := NewBroadcaster(broadcasterID, bcastFacade, bcastPool, testWindow,
		map[cryptoutil.ProcID]*p2p.Sender{peerAID: msgSenderA, peerBID: msgSenderB},
		map[cryptoutil.ProcID]*p2p.Sender{peerAID: sigSenderA, peerBID: sigSenderB})
	broadcaster.ToggleSlowPath(slow)

	a := NewReceiver(ReceiverConfig{
		Self: peerAID, Broadcaster: broadcasterID, Peers: []cryptoutil.ProcID{peerBID},
		Keys: facadeA, Pool: poolA, Window: testWindow,
		FromBroadcaster: fromBcastA, FromBroadcasterSig: fromBcastSigA,
		EchoIn:     map[cryptoutil.ProcID]*p2p.Receiver{peerBID: echoInA},
		EchoOut:    map[cryptoutil.ProcID]*p2p.Sender{peerBID: echoOutA},
		SWMRWriter: writerA, PeerSWMR: map[cryptoutil.ProcID]*swmr.Reader{peerBID: readerOfB},
	})
	a.ToggleSlowPath(slow)

	b := NewReceiver(ReceiverConfig{
		Self: peerBID, Broadcaster: broadcasterID, Peers: []cryptoutil.ProcID{peerAID},
		Keys: facadeB, Pool: poolB, Window: testWindow,
		FromBroadcaster: fromBcastB, FromBroadcasterSig: fromBcastSigB,
		EchoIn:     map[cryptoutil.ProcID]*p2p.Receiver{peerAID: echoInB},
		EchoOut:    map[cryptoutil.ProcID]*p2p.Sender{peerAID: echoOutB},
		SWMRWriter: writerB, PeerSWMR: map[cryptoutil.ProcID]*swmr.Reader{peerAID: readerOfA},
	})
	b.ToggleSlowPath(slow)

	return &fixture{broadcaster: broadcaster, a: a, b: b}
}

func (f *fixture) tick(t *testing.T) error {
	t.Helper()
	if err := f.broadcaster.Tick(); err != nil {
		return err
	}
	if err := f.a.Tick(); err != nil {
		return err
	}
	if err := f.b.Tick(); err != nil {
		return err
	}
	return nil
}

func TestFastPathDeliversMatchingEchoes(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.broadcaster.Broadcast([]byte("hello-tcb"))
	require.NoError(t, err)

	var gotA, gotB Message
	var okA, okB bool
	for i := 0; i < 5 && !(okA && okB); i++ {
		require.NoError(t, f.tick(t))
		if !okA {
			gotA, okA = f.a.Poll()
		}
		if !okB {
			gotB, okB = f.b.Poll()
		}
	}
	require.True(t, okA)
	require.True(t, okB)
	require.Equal(t, "hello-tcb", string(gotA.Data))
	require.Equal(t, "hello-tcb", string(gotB.Data))
	require.Equal(t, uint64(0), gotA.Index)
}

func TestFastPathNeverDeliversOnEchoMismatch(t *testing.T) {
	// A byzantine broadcaster sends different payloads to each receiver
	// for the same index; correct receivers must never deliver it via
	// the fast path since their echoes will never agree.
	f := newFixture(t, false)

	sendDirect := func(sender *p2p.Sender, data string) {
		slot, err := sender.GetSlot(len(data))
		require.NoError(t, err)
		copy(slot.Payload(), data)
		sender.Send()
		require.NoError(t, sender.Tick())
	}

	// Bypass the (honest) Broadcaster and drive the two message senders
	// directly with diverging content, standing in for an equivocating
	// broadcaster.
	msgSenderA := f.broadcaster.peers[peerAID]
	msgSenderB := f.broadcaster.peers[peerBID]
	sendDirect(msgSenderA, "version-one")
	sendDirect(msgSenderB, "version-two")

	for i := 0; i < 10; i++ {
		require.NoError(t, f.tick(t))
	}
	_, okA := f.a.Poll()
	_, okB := f.b.Poll()
	require.False(t, okA)
	require.False(t, okB)
}

func TestSlowPathDetectsEquivocationViaSWMRCrossCheck(t *testing.T) {
	// Scenario 4 from spec.md §8: a byzantine broadcaster signs two
	// different payloads for the same index and sends one attestation to
	// each receiver. Both receivers eventually cross-check each other's
	// SWMR register and must detect the conflicting, individually-valid
	// signatures.
	f := newFixture(t, true)

	sendDirect := func(sender *p2p.Sender, data string) {
		slot, err := sender.GetSlot(len(data))
		require.NoError(t, err)
		copy(slot.Payload(), data)
		sender.Send()
		require.NoError(t, sender.Tick())
	}
	sendSig := func(sender *p2p.Sender, index uint64, sig []byte) {
		slot, err := sender.GetSlot(8 + len(sig))
		require.NoError(t, err)
		buf := slot.Payload()
		binary.LittleEndian.PutUint64(buf[0:8], index)
		copy(buf[8:], sig)
		sender.Send()
		require.NoError(t, sender.Tick())
	}

	msgSenderA := f.broadcaster.peers[peerAID]
	msgSenderB := f.broadcaster.peers[peerBID]
	sigSenderA := f.broadcaster.sigOut[peerAID]
	sigSenderB := f.broadcaster.sigOut[peerBID]

	dataA := "version-one"
	dataB := "version-two"
	sendDirect(msgSenderA, dataA)
	sendDirect(msgSenderB, dataB)

	hA := cryptoutil.Hash256(indexBytes(0), []byte(dataA))
	hB := cryptoutil.Hash256(indexBytes(0), []byte(dataB))
	sigA := f.broadcaster.keys.Self.Sign(hA[:])
	sigB := f.broadcaster.keys.Self.Sign(hB[:])
	sendSig(sigSenderA, 0, sigA)
	sendSig(sigSenderB, 0, sigB)

	var gotErr error
	for i := 0; i < 20 && gotErr == nil; i++ {
		if err := f.tick(t); err != nil {
			gotErr = err
			break
		}
	}
	require.Error(t, gotErr)
	require.ErrorIs(t, gotErr, ubfterr.ErrByzantine)
}
