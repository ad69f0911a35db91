// Package swmr implements the replicated single-writer multi-reader
// register (spec.md §4.2): an array of R registers, each holding an
// opaque V-byte value, written by one owner host and readable by any
// of a fixed set of accessor hosts, tolerating up to f byzantine hosts
// out of n = 2f+1 via replication across independent RDMA-readable
// host buffers.
//
// Host/Writer/Reader mirror original_source/ubft/src/swmr/*; Replicated
// Writer/Reader mirror original_source/ubft/src/replicated-swmr/*.
package swmr

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/rdmasim"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// Subslot layout: hash(8) | incarnation(4) | value(V bytes).
const subslotHeader = 8 + 4

// RegionSize returns the byte size a Host's region must have to serve
// `registers` registers each holding up to valueSize bytes, given two
// subslots per register.
func RegionSize(registers int, valueSize int) int {
	return registers * 2 * (subslotHeader + valueSize)
}

func subslotOffset(reg, which, valueSize int) int {
	return (reg*2 + which) * (subslotHeader + valueSize)
}

// Host is the passive RDMA-readable/writable buffer backing one
// replica's copy of the register array. It is a thin typed view over
// an rdmasim.Region; the actual byte layout lives there.
type Host struct {
	region     *rdmasim.Region
	registers  int
	valueSize  int
}

// NewHost wraps region as a Host serving `registers` registers of
// valueSize bytes each. region must be at least
// RegionSize(registers, valueSize) bytes.
func NewHost(region *rdmasim.Region, registers, valueSize int) *Host {
	return &Host{region: region, registers: registers, valueSize: valueSize}
}

// Writer owns all registers on one Host and is the sole writer for
// them. Single-writer, single-thread: GetSlot/Write/Tick run on the
// owner's main thread.
type Writer struct {
	host        *Host
	incarnation []uint32 // per-register, next incarnation to use
	outstanding []bool   // per-register, a write is in flight
	buf         [][]byte // per-register scratch buffer for the in-flight write
	activeSub   []int    // per-register, which subslot (0/1) to write next
}

// NewWriter creates a Writer for host.
func NewWriter(host *Host) *Writer {
	return &Writer{
		host:        host,
		incarnation: make([]uint32, host.registers),
		outstanding: make([]bool, host.registers),
		buf:         make([][]byte, host.registers),
		activeSub:   make([]int, host.registers),
	}
}

// GetSlot returns a writable buffer for register i, or an ErrProtocol
// error if a write for i is already outstanding (spec.md §7: "writing
// to an SWMR before the previous write completed" is a local protocol
// violation).
func (w *Writer) GetSlot(i int) ([]byte, error) {
	if i < 0 || i >= w.host.registers {
		return nil, fmt.Errorf("swmr: register %d out of range: %w", i, ubfterr.ErrProtocol)
	}
	if w.outstanding[i] {
		return nil, fmt.Errorf("swmr: write already outstanding for register %d: %w", i, ubfterr.ErrProtocol)
	}
	w.outstanding[i] = true
	w.buf[i] = make([]byte, w.host.valueSize)
	return w.buf[i], nil
}

// Write signs (incarnation, value) with a 64-bit hash, flips the
// target subslot, and posts the write. incarnation, if nil, is
// auto-incremented from the register's last used value; if supplied it
// must be >= the last used value (callers replaying a known state may
// supply it explicitly).
func (w *Writer) Write(i int, incarnation *uint32) error {
	if i < 0 || i >= w.host.registers {
		return fmt.Errorf("swmr: register %d out of range: %w", i, ubfterr.ErrProtocol)
	}
	if w.buf[i] == nil {
		return fmt.Errorf("swmr: no slot obtained for register %d: %w", i, ubfterr.ErrProtocol)
	}

	inc := w.incarnation[i] + 1
	if incarnation != nil {
		if *incarnation < w.incarnation[i] {
			return fmt.Errorf("swmr: incarnation %d not monotonic (last %d): %w", *incarnation, w.incarnation[i], ubfterr.ErrProtocol)
		}
		inc = *incarnation
	}

	value := w.buf[i]
	h := cryptoutil.Hash64(incBytes(inc), value)

	sub := w.activeSub[i]
	offset := subslotOffset(i, sub, w.host.valueSize)

	payload := make([]byte, subslotHeader+w.host.valueSize)
	binary.LittleEndian.PutUint64(payload[0:8], h)
	binary.LittleEndian.PutUint32(payload[8:12], inc)
	copy(payload[subslotHeader:], value)

	if err := w.host.region.WriteAt(offset, payload); err != nil {
		return fmt.Errorf("swmr: write register %d: %w: %w", i, err, ubfterr.ErrTransport)
	}

	w.incarnation[i] = inc
	w.activeSub[i] = 1 - sub
	w.buf[i] = nil
	w.outstanding[i] = false
	return nil
}

func incBytes(inc uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], inc)
	return b[:]
}

// Reader reads a single Host's registers, picking whichever subslot
// carries the higher internally-consistent incarnation.
type Reader struct {
	host *Host
}

// NewReader creates a Reader over host.
func NewReader(host *Host) *Reader {
	return &Reader{host: host}
}

// Read polls both subslots of register i and returns the value with
// the higher incarnation whose hash matches its payload. If both
// subslots are inconsistent (hash mismatch or a torn read), Read
// returns ok=false so the caller can reschedule; persistent
// inconsistency past a cooldown is the caller's signal that the host is
// byzantine, per spec.md §4.2.
func (r *Reader) Read(i int) (value []byte, incarnation uint32, ok bool, err error) {
	if i < 0 || i >= r.host.registers {
		return nil, 0, false, fmt.Errorf("swmr: register %d out of range: %w", i, ubfterr.ErrProtocol)
	}

	var bestValue []byte
	var bestInc uint32
	found := false

	for sub := 0; sub < 2; sub++ {
		offset := subslotOffset(i, sub, r.host.valueSize)
		payload := make([]byte, subslotHeader+r.host.valueSize)
		if err := r.host.region.ReadAt(offset, payload); err != nil {
			return nil, 0, false, fmt.Errorf("swmr: read register %d subslot %d: %w: %w", i, sub, err, ubfterr.ErrTransport)
		}
		h := binary.LittleEndian.Uint64(payload[0:8])
		inc := binary.LittleEndian.Uint32(payload[8:12])
		val := payload[subslotHeader:]

		if inc == 0 && h == 0 {
			continue // never written
		}
		want := cryptoutil.Hash64(incBytes(inc), val)
		if want != h {
			continue // torn/inconsistent subslot, skip it
		}
		if !found || inc > bestInc {
			bestValue = append([]byte(nil), val...)
			bestInc = inc
			found = true
		}
	}

	if !found {
		return nil, 0, false, nil
	}
	return bestValue, bestInc, true, nil
}

// ReplicatedWriter broadcasts every write to all n hosts and reports
// success if at least f+1 sub-writes completed.
type ReplicatedWriter struct {
	writers []*Writer
	quorum  int
}

// NewReplicatedWriter creates a ReplicatedWriter across writers (one
// per host), completing a write once quorum of them succeed.
func NewReplicatedWriter(writers []*Writer, quorum int) *ReplicatedWriter {
	return &ReplicatedWriter{writers: writers, quorum: quorum}
}

// Write obtains a slot and writes value to register i on every host in
// parallel. It waits for every sub-write to finish, then returns nil if
// at least quorum hosts completed, or an error if fewer than quorum did.
func (rw *ReplicatedWriter) Write(ctx context.Context, i int, value []byte) error {
	g, _ := errgroup.WithContext(ctx)
	oks := make([]bool, len(rw.writers))
	for idx, w := range rw.writers {
		idx, w := idx, w
		g.Go(func() error {
			slot, err := w.GetSlot(i)
			if err != nil {
				return nil // a single host's failure doesn't fail the group
			}
			copy(slot, value)
			if err := w.Write(i, nil); err == nil {
				oks[idx] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, ok := range oks {
		if ok {
			succeeded++
		}
	}
	if succeeded < rw.quorum {
		return fmt.Errorf("swmr: replicated write to register %d got %d/%d, need %d: %w", i, succeeded, len(rw.writers), rw.quorum, ubfterr.ErrByzantine)
	}
	return nil
}

// ReplicatedReader issues n parallel sub-reads per job and returns the
// value with the highest incarnation among any f+1 matching sub-reads.
type ReplicatedReader struct {
	readers []*Reader
	quorum  int
}

// NewReplicatedReader creates a ReplicatedReader across readers (one
// per host), requiring at least quorum matching sub-reads to accept a
// value.
func NewReplicatedReader(readers []*Reader, quorum int) *ReplicatedReader {
	return &ReplicatedReader{readers: readers, quorum: quorum}
}

// Read returns the value with the highest incarnation reported by at
// least quorum hosts (not necessarily identical hosts across calls),
// or ok=false if no incarnation reached quorum yet.
func (rr *ReplicatedReader) Read(ctx context.Context, i int) (value []byte, incarnation uint32, ok bool, err error) {
	type sample struct {
		value []byte
		inc   uint32
	}
	samples := make([]*sample, len(rr.readers))

	g, _ := errgroup.WithContext(ctx)
	for idx, r := range rr.readers {
		idx, r := idx, r
		g.Go(func() error {
			val, inc, ok, err := r.Read(i)
			if err != nil || !ok {
				return nil
			}
			samples[idx] = &sample{value: val, inc: inc}
			return nil
		})
	}
	_ = g.Wait()

	// Group by incarnation, keep the highest incarnation with >= quorum
	// agreeing samples.
	counts := map[uint32]int{}
	values := map[uint32][]byte{}
	for _, s := range samples {
		if s == nil {
			continue
		}
		counts[s.inc]++
		values[s.inc] = s.value
	}

	var best uint32
	bestFound := false
	for inc, count := range counts {
		if count >= rr.quorum && (!bestFound || inc > best) {
			best = inc
			bestFound = true
		}
	}
	if !bestFound {
		return nil, 0, false, nil
	}
	return values[best], best, true, nil
}
