package p2p

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LPD-EPFL/ubft-sub000/internal/rdmasim"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

func newPair(t *testing.T, tail uint64, maxPayload int) (*Sender, *Receiver, *rdmasim.Region) {
	t.Helper()
	region := rdmasim.NewRegion("ring", RegionSize(tail, maxPayload))
	sender := NewSender(region, tail, maxPayload)
	receiver := NewReceiver(region, tail, maxPayload)
	return sender, receiver, region
}

func sendMsg(t *testing.T, s *Sender, msg string) {
	t.Helper()
	slot, err := s.GetSlot(len(msg))
	require.NoError(t, err)
	copy(slot.Payload(), msg)
	s.Send()
	require.NoError(t, s.Tick())
}

func TestTailValidityHappyPath(t *testing.T) {
	sender, receiver, _ := newPair(t, 200, 64)

	msgs := []string{"abcd", "efgh", "ijkl"}
	for _, m := range msgs {
		sendMsg(t, sender, m)
	}

	dest := make([]byte, 64)
	for _, want := range msgs {
		n, ok, err := receiver.Poll(dest)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, string(dest[:n]))
	}
	_, ok, err := receiver.Poll(dest)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRingWrapAroundDropsOldMessagesSilently(t *testing.T) {
	// Scenario 5 from spec.md §8: w=4, sender sends 100 messages without
	// the receiver ticking in between; receiver then delivers exactly
	// the last 4.
	sender, receiver, _ := newPair(t, 4, 16)

	for i := 0; i < 100; i++ {
		sendMsg(t, sender, string(rune('A'+(i%26))))
	}

	dest := make([]byte, 16)
	delivered := 0
	for {
		_, ok, err := receiver.Poll(dest)
		require.NoError(t, err)
		if !ok {
			break
		}
		delivered++
	}
	require.Equal(t, 4, delivered)
}

func TestGetSlotExhaustionWhenRingSaturated(t *testing.T) {
	sender, _, _ := newPair(t, 2, 8)
	_, err := sender.GetSlot(4)
	require.NoError(t, err)
	_, err = sender.GetSlot(4)
	require.NoError(t, err)
	// Neither slot has been Send()+Tick()'d, so the pool is saturated.
	_, err = sender.GetSlot(4)
	require.Error(t, err)
}

func TestPayloadTooLargeIsProtocolError(t *testing.T) {
	sender, _, _ := newPair(t, 4, 8)
	_, err := sender.GetSlot(9)
	require.Error(t, err)
	require.ErrorIs(t, err, ubfterr.ErrProtocol)
}
