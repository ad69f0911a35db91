// Package p2p implements the tail point-to-point transport (spec.md
// §4.1): a one-directional reliable message stream whose last `w`
// messages are guaranteed delivered even across sender equivocation or
// receiver slowness, built over rdmasim's one-sided WriteAt/ReadAt.
//
// Adapted from dedis-tlc's go/tlc/minnet ring-indexed history idiom
// (oom/log arrays indexed by seq) and go/dist/tlc.go's
// advance/merge-on-receive control flow, generalized from a logical
// clock round into a byte-slot ring with an explicit incarnation field
// so the receiver can detect staleness and wrap-around without a
// shared clock.
package p2p

import (
	"encoding/binary"
	"fmt"

	"github.com/LPD-EPFL/ubft-sub000/internal/bufpool"
	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/rdmasim"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// Slot layout: hash(8) | incarnation(4) | size(2) | payload(maxPayload).
const headerSize = 8 + 4 + 2

// RegionSize returns the byte size a receiver's ring region must have
// to hold `tail` slots of up to maxPayload bytes each.
func RegionSize(tail uint64, maxPayload int) int {
	return int(tail) * (headerSize + maxPayload)
}

// PendingSlot is a writable handle returned by Sender.GetSlot. The
// caller fills Payload() and the slot becomes immutable once Send is
// called on the Sender that issued it.
type PendingSlot struct {
	slot       *bufpool.Slot
	size       int
	maxPayload int
	seq        uint64
}

// Payload returns the writable portion of the slot sized to the
// requested payload length.
func (p *PendingSlot) Payload() []byte {
	return p.slot.Bytes()[headerSize : headerSize+p.size]
}

// Sender posts messages into a single remote receiver's ring region.
// Single-writer: one Sender per (sender, receiver) pair, used from one
// goroutine, matching the "tick/poll/send/get_slot run on the same
// thread" concurrency contract.
type Sender struct {
	endpoint   rdmasim.Endpoint
	pool       *bufpool.Pool
	tail       uint64
	maxPayload int

	nextSeq    uint64
	pendingObt []*PendingSlot // obtained since last Send(), not yet posted
	ready      []*PendingSlot // posted by Send(), awaiting Tick() to harvest
	completed  uint64

	ticksSinceLast int
}

// NewSender creates a Sender writing into endpoint, a ring of `tail`
// slots each holding up to maxPayload bytes of application payload.
func NewSender(endpoint rdmasim.Endpoint, tail uint64, maxPayload int) *Sender {
	return &Sender{
		endpoint:   endpoint,
		pool:       bufpool.New(headerSize+maxPayload, int(tail)),
		tail:       tail,
		maxPayload: maxPayload,
	}
}

// GetSlot synchronously returns a writable slot of the requested
// payload size, or nil with ErrExhausted if the ring has no free slot
// available right now (all `tail` slots are in flight between GetSlot
// and a completed Tick).
func (s *Sender) GetSlot(size int) (*PendingSlot, error) {
	if size > s.maxPayload {
		return nil, fmt.Errorf("p2p: payload %d exceeds max %d: %w", size, s.maxPayload, ubfterr.ErrProtocol)
	}
	slot, err := s.pool.Get()
	if err != nil {
		return nil, err
	}
	ps := &PendingSlot{slot: slot, size: size, maxPayload: s.maxPayload, seq: s.nextSeq}
	s.nextSeq++
	s.pendingObt = append(s.pendingObt, ps)
	return ps, nil
}

// Send marks every slot obtained since the last Send as ready; ready
// slots are posted to the remote ring, in order, on the next Tick.
func (s *Sender) Send() {
	s.ready = append(s.ready, s.pendingObt...)
	s.pendingObt = s.pendingObt[:0]
}

// Tick harvests completions: it performs the RDMA writes for every
// ready slot and releases their local buffers. A completion with a
// failure status is treated as a fatal transport error for this queue
// pair, per spec.md §7; the caller's main loop decides whether to
// abort the process.
func (s *Sender) Tick() error {
	for len(s.ready) > 0 {
		ps := s.ready[0]
		s.ready = s.ready[1:]

		buf := ps.slot.Bytes()
		payload := buf[headerSize : headerSize+ps.size]
		incarnation := uint32(ps.seq/s.tail) + 1

		h := cryptoutil.Hash64(incBytes(incarnation), payload)
		binary.LittleEndian.PutUint64(buf[0:8], h)
		binary.LittleEndian.PutUint32(buf[8:12], incarnation)
		binary.LittleEndian.PutUint16(buf[12:14], uint16(ps.size))

		index := int(ps.seq % s.tail)
		offset := index * (headerSize + s.maxPayload)
		if err := s.endpoint.WriteAt(offset, buf[:headerSize+ps.size]); err != nil {
			return fmt.Errorf("p2p: sender write failed: %w: %w", err, ubfterr.ErrTransport)
		}
		ps.slot.Release()
		s.completed++
	}
	return nil
}

// TickEvery calls Tick every n invocations of this helper, throttling
// how often the (possibly costly) completion harvest runs on a hot
// fast path.
func (s *Sender) TickEvery(n int) error {
	s.ticksSinceLast++
	if s.ticksSinceLast < n {
		return nil
	}
	s.ticksSinceLast = 0
	return s.Tick()
}

// Completed reports how many messages have been fully posted.
func (s *Sender) Completed() uint64 { return s.completed }

func incBytes(inc uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], inc)
	return b[:]
}

// Receiver scans its own local ring region (written into by a remote
// Sender) for freshly delivered messages, tolerating straggling reads
// and sender-driven wrap-around per spec.md §4.1.
type Receiver struct {
	region     *rdmasim.Region
	tail       uint64
	maxPayload int
	nextSeq    uint64
}

// NewReceiver creates a Receiver scanning region, which must be at
// least RegionSize(tail, maxPayload) bytes.
func NewReceiver(region *rdmasim.Region, tail uint64, maxPayload int) *Receiver {
	return &Receiver{region: region, tail: tail, maxPayload: maxPayload}
}

// Poll scans the next expected ring slot for a freshly written,
// internally-consistent message and, if found, copies its payload into
// dest and returns its length. It returns (0, false, nil) if nothing
// new is available yet.
func (r *Receiver) Poll(dest []byte) (int, bool, error) {
	index := r.nextSeq % r.tail
	offset := int(index) * (headerSize + r.maxPayload)

	var incBuf [4]byte
	if err := r.region.ReadAt(offset+8, incBuf[:]); err != nil {
		return 0, false, fmt.Errorf("p2p: receiver read incarnation: %w: %w", err, ubfterr.ErrTransport)
	}
	inc1 := binary.LittleEndian.Uint32(incBuf[:])
	expected := uint32(r.nextSeq/r.tail) + 1

	if inc1 < expected {
		return 0, false, nil // slot not written yet for our expected generation
	}
	if inc1 > expected {
		// The sender has wrapped past us: this is the falling-edge scan
		// from spec.md §4.1 — jump straight to the generation actually
		// present at this ring position, which is the oldest the sender
		// still guarantees (tail validity bounds how far this can be).
		r.nextSeq = uint64(inc1-1)*r.tail + index
		expected = inc1
	}

	var hashBuf [8]byte
	var sizeBuf [2]byte
	if err := r.region.ReadAt(offset, hashBuf[:]); err != nil {
		return 0, false, fmt.Errorf("p2p: receiver read hash: %w: %w", err, ubfterr.ErrTransport)
	}
	if err := r.region.ReadAt(offset+12, sizeBuf[:]); err != nil {
		return 0, false, fmt.Errorf("p2p: receiver read size: %w: %w", err, ubfterr.ErrTransport)
	}
	size := int(binary.LittleEndian.Uint16(sizeBuf[:]))
	if size > len(dest) || size > r.maxPayload {
		return 0, false, fmt.Errorf("p2p: receiver got implausible size %d: %w", size, ubfterr.ErrByzantine)
	}
	payload := make([]byte, size)
	if err := r.region.ReadAt(offset+headerSize, payload); err != nil {
		return 0, false, fmt.Errorf("p2p: receiver read payload: %w: %w", err, ubfterr.ErrTransport)
	}

	// Re-read the incarnation: if it changed mid-read, the sender has
	// since overwritten this slot and what we just read is torn.
	if err := r.region.ReadAt(offset+8, incBuf[:]); err != nil {
		return 0, false, fmt.Errorf("p2p: receiver re-read incarnation: %w: %w", err, ubfterr.ErrTransport)
	}
	inc2 := binary.LittleEndian.Uint32(incBuf[:])
	if inc2 != inc1 {
		return 0, false, nil // straggling read, retry on next Tick/Poll
	}

	wantHash := cryptoutil.Hash64(incBytes(inc1), payload)
	if wantHash != binary.LittleEndian.Uint64(hashBuf[:]) {
		return 0, false, nil // hash doesn't match payload yet: incomplete write, retry
	}

	n := copy(dest, payload)
	r.nextSeq++
	return n, true, nil
}

// Tick is a no-op for the receiver in this transport: Poll does all
// the work synchronously against the local region. It exists so
// callers can treat Sender and Receiver uniformly in their tick loop.
func (r *Receiver) Tick() {}

// NextSeq reports the next sequence number this receiver expects,
// mostly useful for tests and diagnostics.
func (r *Receiver) NextSeq() uint64 { return r.nextSeq }
