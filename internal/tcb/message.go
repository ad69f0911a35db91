// Package tcb implements tail consistent broadcast (spec.md §4.3): one
// broadcaster, many receivers, delivering the last w broadcasts
// identically to every correct receiver or none at all, with a fast
// echo path and a slow signature+SWMR cross-check path that proves
// non-equivocation even when the broadcaster is byzantine.
//
// Adapted from original_source/ubft/src/tail-cb/{broadcaster,receiver}.hpp
// and dedis-tlc's go/dist/causal.go + go/dist/tlc.go control-flow idiom
// (broadcast, self-deliver, merge peer state on tick).
package tcb

import (
	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
)

// EchoThreshold is the design constant from spec.md §4.3: echoes carry
// the raw payload below this size, and only its BLAKE3 hash above it.
const EchoThreshold = 8 * 1024

// Message is a delivered (or self-produced) TCB broadcast.
type Message struct {
	Index uint64
	Data  []byte
}

// echoPayload returns what gets sent as an echo for data: the raw bytes
// if small enough to agree on directly, otherwise its hash, per
// spec.md's "echo compaction".
func echoPayload(data []byte) []byte {
	if len(data) < EchoThreshold {
		return data
	}
	h := cryptoutil.Hash256(data)
	return h[:]
}

func echoMatches(data []byte, echo []byte) bool {
	if len(data) < EchoThreshold {
		return bytesEqual(data, echo)
	}
	h := cryptoutil.Hash256(data)
	return bytesEqual(h[:], echo)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
