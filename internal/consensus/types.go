// Package consensus implements the view-based BFT agreement engine
// (spec.md §4.5): instances are prepared by the leader, certified via
// internal/certifier, broadcast via internal/tcb, and decided either
// on the fast path (every replica fast-commits) or the slow path (a
// majority full-commits via a prepare certificate).
//
// Grounded on original_source/ubft/src/consensus/consensus.hpp and its
// internal/ helpers (instance-state.hpp, replica-state.hpp,
// messages.hpp, view-change.hpp, broadcast-commit.hpp, packing.hpp).
package consensus

import (
	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
)

// Instance numbers a consensus slot; View numbers a leader epoch.
type Instance = uint64
type View = uint64

// pack folds (view, instance) into the single uint64 key space that
// the prepare certifier indexes by, matching packing.hpp's bit layout
// (16 bits of view, 48 bits of instance — plenty for either in
// practice, and the original's own tradeoff).
const packInstanceMask = uint64(0xFFFF) << 48

func pack(view View, instance Instance) uint64 {
	return (view << 48) | (instance &^ packInstanceMask)
}

func unpack(packed uint64) (View, Instance) {
	return packed >> 48, packed &^ packInstanceMask
}

// ProposeRange is the half-open instance range [Low, High) a
// checkpoint opens for proposing.
type ProposeRange struct {
	Low, High Instance
}

func (r ProposeRange) Contains(i Instance) bool { return i >= r.Low && i < r.High }

// Checkpoint is the certified value {next_instance, propose_range,
// app_digest}: proof that a quorum of replicas have executed up to
// next_instance and agree on the resulting application digest.
type Checkpoint struct {
	ProposeRange ProposeRange
	AppDigest    [cryptoutil.HashSize]byte
}

// NewCheckpoint builds the checkpoint opening window [next, next+window).
func NewCheckpoint(next Instance, window uint64, digest [cryptoutil.HashSize]byte) Checkpoint {
	return Checkpoint{ProposeRange: ProposeRange{Low: next, High: next + window}, AppDigest: digest}
}

// Less orders checkpoints by the instance they open, matching the
// original's operator< over propose_range.low.
func (c Checkpoint) Less(o Checkpoint) bool { return c.ProposeRange.Low < o.ProposeRange.Low }

// Leader returns the leader of view v among the (stably sorted) set of
// replica ids, matching leader(v) = sorted_ids[v mod n].
func Leader(replicas []cryptoutil.ProcID, v View) cryptoutil.ProcID {
	return replicas[v%View(len(replicas))]
}

// BroadcastCommit records a Commit a replica TCB-broadcast: the
// (view, instance) it certified and the proposal bytes it carried.
type BroadcastCommit struct {
	View     View
	Instance Instance
	Proposal []byte
}
