// Package ubfterr defines the typed error kinds from the error handling
// design (resource exhaustion, local protocol violations, peer byzantine
// behaviour, external transport errors, bootstrap errors). Components
// wrap these with fmt.Errorf("...: %w", ...) so callers can errors.Is
// against a kind without parsing strings.
package ubfterr

import "errors"

var (
	// ErrExhausted marks a resource-exhaustion bug: a pool or queue that
	// should never run dry did.
	ErrExhausted = errors.New("resource exhaustion")

	// ErrProtocol marks a local protocol violation by this process's own
	// code (double get_slot, ticking with a batch outstanding, ...).
	ErrProtocol = errors.New("local protocol violation")

	// ErrByzantine marks detected byzantine behaviour by a peer.
	ErrByzantine = errors.New("peer byzantine behaviour")

	// ErrTransport marks an external transport (RDMA-equivalent) failure.
	ErrTransport = errors.New("external transport error")

	// ErrBootstrap marks a bootstrap-time failure (missing key, handshake
	// mismatch).
	ErrBootstrap = errors.New("bootstrap error")

	// ErrInstanceGap names a missing consensus decision that would
	// require state transfer, which is out of scope for this engine. No
	// code path returns it: the consensus engine stops deciding at the
	// first missing instance instead. See SPEC_FULL.md Open Question
	// Decisions.
	ErrInstanceGap = errors.New("instance gap requires state transfer")
)
