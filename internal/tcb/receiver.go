package tcb

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/p2p"
	"github.com/LPD-EPFL/ubft-sub000/internal/swmr"
	"github.com/LPD-EPFL/ubft-sub000/internal/tailmap"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
	"github.com/LPD-EPFL/ubft-sub000/internal/workpool"
)

// swmrValueSize is the value size a Host backing a Receiver's
// cross-check SWMR registers must be configured with: a BLAKE3 hash of
// the broadcaster's signed digest plus the ed25519 signature over it.
const swmrValueSize = cryptoutil.HashSize + ed25519.SignatureSize

// Receiver tracks one broadcaster's TCB stream at this replica: it
// collects the broadcaster's messages, exchanges echoes with every
// other receiver of the same stream, and — on the slow path — verifies
// signatures and cross-checks peers' SWMR registers to catch
// broadcaster equivocation.
type Receiver struct {
	self        cryptoutil.ProcID
	broadcaster cryptoutil.ProcID
	peers       []cryptoutil.ProcID
	keys        *cryptoutil.Facade
	pool        *workpool.Pool
	window      uint64
	slow        bool

	fromBroadcaster    *p2p.Receiver
	fromBroadcasterSig *p2p.Receiver
	echoIn             map[cryptoutil.ProcID]*p2p.Receiver
	echoOut            map[cryptoutil.ProcID]*p2p.Sender

	swmrWriter *swmr.Writer
	peerSWMR   map[cryptoutil.ProcID]*swmr.Reader

	pendingMsg *tailmap.TailMap[[]byte]
	echoedOut  *tailmap.TailMap[bool]           // whether we've already echoed this index
	echoes     *tailmap.TailMap[map[cryptoutil.ProcID][]byte]
	sigOfIndex *tailmap.TailMap[[]byte]          // broadcaster's verified signature over Hash256(index,data)
	hashOfIdx  *tailmap.TailMap[[cryptoutil.HashSize]byte]
	delivered  *tailmap.TailQueue[Message]

	deliverCursor uint64
	published     *tailmap.TailMap[bool]
	sigVerifyTag  uint64
}

// ReceiverConfig bundles a Receiver's wiring so the constructor doesn't
// take a dozen positional parameters.
type ReceiverConfig struct {
	Self               cryptoutil.ProcID
	Broadcaster        cryptoutil.ProcID
	Peers              []cryptoutil.ProcID
	Keys               *cryptoutil.Facade
	Pool               *workpool.Pool
	Window             uint64
	FromBroadcaster    *p2p.Receiver
	FromBroadcasterSig *p2p.Receiver
	EchoIn             map[cryptoutil.ProcID]*p2p.Receiver
	EchoOut            map[cryptoutil.ProcID]*p2p.Sender
	SWMRWriter         *swmr.Writer
	PeerSWMR           map[cryptoutil.ProcID]*swmr.Reader
}

// NewReceiver creates a Receiver per cfg.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	return &Receiver{
		self:               cfg.Self,
		broadcaster:        cfg.Broadcaster,
		peers:              cfg.Peers,
		keys:               cfg.Keys,
		pool:               cfg.Pool,
		window:             cfg.Window,
		fromBroadcaster:    cfg.FromBroadcaster,
		fromBroadcasterSig: cfg.FromBroadcasterSig,
		echoIn:             cfg.EchoIn,
		echoOut:            cfg.EchoOut,
		swmrWriter:         cfg.SWMRWriter,
		peerSWMR:           cfg.PeerSWMR,
		pendingMsg:         tailmap.New[[]byte](cfg.Window),
		echoedOut:          tailmap.New[bool](cfg.Window),
		echoes:             tailmap.New[map[cryptoutil.ProcID][]byte](cfg.Window),
		sigOfIndex:         tailmap.New[[]byte](cfg.Window),
		hashOfIdx:          tailmap.New[[cryptoutil.HashSize]byte](cfg.Window),
		delivered:          tailmap.NewQueue[Message](cfg.Window),
		published:          tailmap.New[bool](cfg.Window),
	}
}

// ToggleSlowPath switches this receiver's cross-check behaviour.
func (r *Receiver) ToggleSlowPath(on bool) { r.slow = on }

// Poll returns the next deliverable message in index order.
func (r *Receiver) Poll() (Message, bool) {
	idx, msg, ok := r.delivered.PollNext()
	if !ok {
		return Message{}, false
	}
	msg.Index = idx
	return msg, true
}

// Tick fetches messages and echoes, writes/cross-checks SWMR on the
// slow path, and advances delivery. A non-nil error is always a
// detected byzantine fault (typically broadcaster equivocation) or a
// transport failure; both are fatal to the caller's process per
// spec.md §7.
func (r *Receiver) Tick() error {
	if err := r.pollBroadcasterMessages(); err != nil {
		return err
	}
	if err := r.pollEchoes(); err != nil {
		return err
	}
	for peer, sender := range r.echoOut {
		if err := sender.Tick(); err != nil {
			return fmt.Errorf("tcb: receiver echo tick to %d: %w", peer, err)
		}
	}
	if r.slow {
		if err := r.pollSignatures(); err != nil {
			return err
		}
		if err := r.crossCheckSWMR(); err != nil {
			return err
		}
	}
	r.tryDeliver()
	return nil
}

func (r *Receiver) pollBroadcasterMessages() error {
	buf := make([]byte, p2pMaxPayload)
	for {
		n, ok, err := r.fromBroadcaster.Poll(buf)
		if err != nil {
			return fmt.Errorf("tcb: poll broadcaster %d: %w", r.broadcaster, err)
		}
		if !ok {
			return nil
		}
		data := append([]byte(nil), buf[:n]...)
		// The p2p ring doesn't carry the broadcaster's own index, but its
		// sequence counter tracks the same generation the broadcaster
		// assigned when posting (including any tail-validity jump past
		// dropped messages), so it doubles as this message's TCB index.
		index := r.fromBroadcaster.NextSeq() - 1
		r.pendingMsg.Insert(index, data)
		// Bound to index the same way Broadcaster.Broadcast signs it, so a
		// verified signature here is proof over (this index, this data).
		h := cryptoutil.Hash256(indexBytes(index), data)
		r.hashOfIdx.Insert(index, h)

		if already, _ := r.echoedOut.Get(index); !already {
			echo := echoPayload(data)
			for peer, sender := range r.echoOut {
				slot, err := sender.GetSlot(8 + len(echo))
				if err != nil {
					return fmt.Errorf("tcb: echo to %d: %w", peer, err)
				}
				out := slot.Payload()
				binary.LittleEndian.PutUint64(out[0:8], index)
				copy(out[8:], echo)
				sender.Send()
			}
			r.echoedOut.Insert(index, true)
		}
	}
}

// p2pMaxPayload bounds the scratch buffer used to receive messages;
// callers size their underlying p2p.Receiver consistently with this.
const p2pMaxPayload = 64 * 1024

func (r *Receiver) pollEchoes() error {
	buf := make([]byte, p2pMaxPayload)
	for peer, recv := range r.echoIn {
		for {
			n, ok, err := recv.Poll(buf)
			if err != nil {
				return fmt.Errorf("tcb: poll echo from %d: %w", peer, err)
			}
			if !ok {
				break
			}
			if n < 8 {
				return fmt.Errorf("tcb: malformed echo from %d: %w", peer, ubfterr.ErrByzantine)
			}
			index := binary.LittleEndian.Uint64(buf[0:8])
			echo := append([]byte(nil), buf[8:n]...)

			set, _ := r.echoes.Get(index)
			if set == nil {
				set = make(map[cryptoutil.ProcID][]byte)
			}
			if prev, seen := set[peer]; seen && !bytesEqual(prev, echo) {
				return fmt.Errorf("tcb: peer %d sent conflicting echoes for index %d from broadcaster %d: %w", peer, index, r.broadcaster, ubfterr.ErrByzantine)
			}
			set[peer] = echo
			r.echoes.Insert(index, set)
		}
	}
	return nil
}

func (r *Receiver) pollSignatures() error {
	if r.fromBroadcasterSig == nil {
		return nil
	}
	buf := make([]byte, 8+256)
	for {
		n, ok, err := r.fromBroadcasterSig.Poll(buf)
		if err != nil {
			return fmt.Errorf("tcb: poll signature from %d: %w", r.broadcaster, err)
		}
		if !ok {
			return nil
		}
		if n < 8 {
			return fmt.Errorf("tcb: malformed signature message from %d: %w", r.broadcaster, ubfterr.ErrByzantine)
		}
		index := binary.LittleEndian.Uint64(buf[0:8])
		sig := append([]byte(nil), buf[8:n]...)

		h, hasHash := r.hashOfIdx.Get(index)
		if !hasHash {
			continue // message from broadcaster hasn't arrived yet; retry later
		}
		tag := r.sigVerifyTag
		r.sigVerifyTag++
		sigCopy := sig
		hCopy := h
		idx := index
		if err := r.pool.Submit("tcb-verify", tag, func() (any, error) {
			ok := r.keys.Verify(r.broadcaster, hCopy[:], sigCopy)
			return struct {
				Index uint64
				Sig   []byte
				OK    bool
			}{idx, sigCopy, ok}, nil
		}); err != nil {
			return fmt.Errorf("tcb: submit verify task: %w", err)
		}
	}
}

func (r *Receiver) drainVerifyResults() {
	for _, res := range r.pool.Drain() {
		if res.Feature != "tcb-verify" || res.Err != nil {
			continue
		}
		v := res.Value.(struct {
			Index uint64
			Sig   []byte
			OK    bool
		})
		if !v.OK {
			continue
		}
		r.sigOfIndex.Insert(v.Index, v.Sig)
	}
}

// scanRange bounds a loop to the indices currently retained by t,
// avoiding the two failure modes of a naive "from 0 forever" scan: it
// never revisits an index already evicted by the ring window, and it
// always reaches indices that arrived after the window first filled.
func scanRange[V any](t *tailmap.TailMap[V]) (lo, hi uint64, ok bool) {
	lo, ok = t.Oldest()
	if !ok {
		return 0, 0, false
	}
	hi, _ = t.Newest()
	return lo, hi, true
}

func (r *Receiver) crossCheckSWMR() error {
	r.drainVerifyResults()

	// Write our own verified (hash, sig) into our SWMR register for
	// every index we've verified but not yet published.
	if lo, hi, ok := scanRange(r.sigOfIndex); ok {
		for idx := lo; idx <= hi; idx++ {
			if done, _ := r.published.Get(idx); done {
				continue
			}
			sig, ok := r.sigOfIndex.Get(idx)
			if !ok {
				continue
			}
			h, _ := r.hashOfIdx.Get(idx)
			reg := int(idx % r.window)
			slot, err := r.swmrWriter.GetSlot(reg)
			if err != nil {
				continue // write already outstanding for this register; retry next tick
			}
			copy(slot[0:cryptoutil.HashSize], h[:])
			copy(slot[cryptoutil.HashSize:], sig)
			if err := r.swmrWriter.Write(reg, nil); err != nil {
				return fmt.Errorf("tcb: publish cross-check for index %d: %w", idx, err)
			}
			r.published.Insert(idx, true)
		}
	}

	// Cross-read every peer's SWMR for the same registers and compare.
	if lo, hi, ok := scanRange(r.hashOfIdx); ok {
		for idx := lo; idx <= hi; idx++ {
			myHash, ok := r.hashOfIdx.Get(idx)
			if !ok {
				continue
			}
			reg := int(idx % r.window)
			for peer, reader := range r.peerSWMR {
				val, _, ok, err := reader.Read(reg)
				if err != nil {
					return fmt.Errorf("tcb: cross-read peer %d: %w", peer, err)
				}
				if !ok {
					continue
				}
				peerHash := val[0:cryptoutil.HashSize]
				peerSig := val[cryptoutil.HashSize:]
				if !r.keys.Verify(r.broadcaster, peerHash, peerSig) {
					continue // peer's own entry doesn't verify, not our problem to resolve here
				}
				if !bytesEqual(peerHash, myHash[:]) {
					return fmt.Errorf("tcb: broadcaster %d equivocation detected: peer %d's cross-check for index %d diverges: %w", r.broadcaster, peer, idx, ubfterr.ErrByzantine)
				}
			}
		}
	}
	return nil
}

func (r *Receiver) tryDeliver() {
	if oldest, ok := r.pendingMsg.Oldest(); ok && r.deliverCursor < oldest {
		r.deliverCursor = oldest // window has advanced past what we hadn't yet delivered
	}
	for {
		idx := r.deliverCursor
		data, ok := r.pendingMsg.Get(idx)
		if !ok {
			return
		}
		set, _ := r.echoes.Get(idx)

		fastOK := true
		for _, peer := range r.peers {
			echo, got := set[peer]
			if !got || !echoMatches(data, echo) {
				fastOK = false
				break
			}
		}

		// A verified signature over this index is sufficient: any
		// conflicting peer cross-check would already have made
		// crossCheckSWMR return a fatal equivocation error this tick.
		_, slowOK := r.sigOfIndex.Get(idx)
		slowOK = slowOK && r.slow

		if !fastOK && !slowOK {
			return // strict index order: stop at the first undeliverable index
		}
		r.delivered.Insert(idx, Message{Index: idx, Data: data})
		r.deliverCursor++
	}
}
