package tcb

import (
	"encoding/binary"
	"fmt"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/p2p"
	"github.com/LPD-EPFL/ubft-sub000/internal/workpool"
)

// Broadcaster is the single writer of a TCB stream: it fans every
// broadcast out to all receivers over p2p and, on the slow path, also
// signs (index, data) in the background and forwards the signature.
type Broadcaster struct {
	self    cryptoutil.ProcID
	keys    *cryptoutil.Facade
	pool    *workpool.Pool
	peers   map[cryptoutil.ProcID]*p2p.Sender // message stream to each receiver
	sigOut  map[cryptoutil.ProcID]*p2p.Sender // signature stream to each receiver (slow path)
	window  uint64
	slow    bool
	nextIdx uint64
	sigTag  uint64
}

// NewBroadcaster creates a Broadcaster for this process's own stream,
// fanning out over the given per-peer message and signature senders.
func NewBroadcaster(self cryptoutil.ProcID, keys *cryptoutil.Facade, pool *workpool.Pool, window uint64, msgSenders, sigSenders map[cryptoutil.ProcID]*p2p.Sender) *Broadcaster {
	return &Broadcaster{
		self:   self,
		keys:   keys,
		pool:   pool,
		peers:  msgSenders,
		sigOut: sigSenders,
		window: window,
	}
}

// ToggleSlowPath switches between fast path (echoes only) and slow path
// (echoes + signatures + SWMR cross-checks).
func (b *Broadcaster) ToggleSlowPath(on bool) { b.slow = on }

// Broadcast assigns the next index, fans data out to every receiver
// over p2p, optionally offloads a signature computation to the thread
// pool, and returns a self-delivered Message view.
func (b *Broadcaster) Broadcast(data []byte) (Message, error) {
	index := b.nextIdx
	b.nextIdx++

	for peer, sender := range b.peers {
		slot, err := sender.GetSlot(len(data))
		if err != nil {
			return Message{}, fmt.Errorf("tcb: broadcast to %d: %w", peer, err)
		}
		copy(slot.Payload(), data)
		sender.Send()
	}

	if b.slow {
		payload := append([]byte(nil), data...)
		tag := b.sigTag
		b.sigTag++
		if err := b.pool.Submit("tcb-sign", tag|index<<32, func() (any, error) {
			h := cryptoutil.Hash256(indexBytes(index), payload)
			sig := b.keys.Self.Sign(h[:])
			return sig, nil
		}); err != nil {
			return Message{}, fmt.Errorf("tcb: submit signature task: %w", err)
		}
	}

	return Message{Index: index, Data: data}, nil
}

// Tick forwards completions on every p2p sender and, on the slow path,
// drains the signature queue and sends each signature to every
// receiver.
func (b *Broadcaster) Tick() error {
	for peer, sender := range b.peers {
		if err := sender.Tick(); err != nil {
			return fmt.Errorf("tcb: broadcaster tick sender %d: %w", peer, err)
		}
	}
	if !b.slow {
		return nil
	}
	for peer, sender := range b.sigOut {
		if err := sender.Tick(); err != nil {
			return fmt.Errorf("tcb: broadcaster tick sig sender %d: %w", peer, err)
		}
	}
	for _, r := range b.pool.Drain() {
		if r.Feature != "tcb-sign" {
			continue
		}
		if r.Err != nil {
			continue
		}
		index := r.Tag >> 32
		sig := r.Value.([]byte)
		for peer, sender := range b.sigOut {
			slot, err := sender.GetSlot(8 + len(sig))
			if err != nil {
				return fmt.Errorf("tcb: forward signature to %d: %w", peer, err)
			}
			buf := slot.Payload()
			binary.LittleEndian.PutUint64(buf[0:8], index)
			copy(buf[8:], sig)
			sender.Send()
		}
	}
	return nil
}

func indexBytes(index uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], index)
	return b[:]
}
