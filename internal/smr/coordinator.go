// Package smr implements the SMR coordinator of spec.md §4.7: a thin
// object owning one RPC server and one consensus engine, orchestrating
// the tick/poll_to_execute/executed/checkpoint_app_state operations
// that are the module's only public surface over both.
//
// Grounded on original_source/ubft/src/server.hpp's main-loop shape
// (tick everything, drain received into consensus, propose a batch if
// leading, drain decisions one request at a time) and dedis-tlc's
// go/model/qscod "thin orchestrator wiring two independently-tested
// layers together" idiom.
package smr

import (
	"fmt"

	"github.com/LPD-EPFL/ubft-sub000/internal/consensus"
	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/rpc"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// ErrDrainInProgress is returned by Tick when called while a decided
// batch is still being drained through PollToExecute, guaranteeing the
// batch's backing memory is never reused out from under the caller.
var ErrDrainInProgress = fmt.Errorf("smr: tick called while a decision is still draining: %w", ubfterr.ErrProtocol)

// pendingDecision is one decided instance being drained one request at
// a time.
type pendingDecision struct {
	requests         []rpc.Request
	next             int
	shouldCheckpoint bool
	instance         consensus.Instance
}

// Coordinator wires a Server and an Engine together (spec.md §4.7).
type Coordinator struct {
	rpc       *rpc.Server
	engine    *consensus.Engine
	batchSize int

	heldBack []rpc.Request // proposable requests GetSlot couldn't reserve a slot for last tick

	draining         bool
	decision         *pendingDecision
	lastInstance     consensus.Instance
	haveLastApplied  bool
	pendingCheckpoint bool // last fully-drained decision asked for a checkpoint
}

// New builds a Coordinator over an already-wired rpc.Server and
// consensus.Engine. batchSize bounds how many proposable requests are
// packed into one proposed batch per tick.
func New(server *rpc.Server, engine *consensus.Engine, batchSize int) *Coordinator {
	return &Coordinator{rpc: server, engine: engine, batchSize: batchSize}
}

// Tick drives the RPC server and consensus engine once each, drains
// the RPC server's queue of newly received requests (they already count
// as "admitted" for external validity once the RPC layer accepts them),
// and, if this replica leads the current view, batches pending
// proposable requests into a new proposal.
func (c *Coordinator) Tick() error {
	if c.draining {
		return ErrDrainInProgress
	}
	c.rpc.SetLeader(c.engine.IsLeader())

	if err := c.rpc.Tick(); err != nil {
		return fmt.Errorf("smr: rpc tick: %w", err)
	}
	if err := c.engine.Tick(); err != nil {
		return fmt.Errorf("smr: consensus tick: %w", err)
	}

	// Requests become admitted for external validity the moment the RPC
	// layer accepts them into a client's ingress window (consensus.Engine
	// checks Admitted directly against it); draining poll_received here
	// only keeps the RPC server's own queue from growing unbounded.
	for {
		if _, ok := c.rpc.PollReceived(); !ok {
			break
		}
	}

	if !c.engine.IsLeader() {
		return nil
	}
	return c.proposeBatch()
}

// proposeBatch packs up to batchSize proposable requests (held back
// from a prior tick first) into one batch and proposes it. If GetSlot
// can't reserve a slot right now (view change in progress, or past the
// checkpoint propose range), the batch is held for the next tick
// rather than dropped.
func (c *Coordinator) proposeBatch() error {
	requests := c.heldBack
	c.heldBack = nil
	for len(requests) < c.batchSize {
		req, ok := c.rpc.PollProposable()
		if !ok {
			break
		}
		requests = append(requests, req)
	}
	if len(requests) == 0 {
		return nil
	}

	encoded := rpc.EncodeBatch(requests)
	_, buf, ok := c.engine.GetSlot(len(encoded))
	if !ok {
		c.heldBack = requests
		return nil
	}
	copy(buf, encoded)

	if err := c.engine.Propose(); err != nil {
		return fmt.Errorf("smr: propose batch: %w", err)
	}
	return nil
}

// PollToExecute returns the next request of the currently draining
// decision, decoding a new decision's batch if none is in progress.
// ok is false once there is nothing further to execute right now.
func (c *Coordinator) PollToExecute() (rpc.Request, bool, error) {
	if c.decision == nil {
		d, ok := c.engine.PollDecision()
		if !ok {
			return rpc.Request{}, false, nil
		}
		requests, err := rpc.DecodeBatch(d.Batch)
		if err != nil {
			return rpc.Request{}, false, fmt.Errorf("smr: decode decided batch %d: %w", d.Instance, err)
		}
		c.decision = &pendingDecision{requests: requests, shouldCheckpoint: d.ShouldCheckpoint, instance: d.Instance}
		c.draining = true
	}
	if c.decision.next >= len(c.decision.requests) {
		c.lastInstance = c.decision.instance
		c.haveLastApplied = true
		c.pendingCheckpoint = c.decision.shouldCheckpoint
		c.decision = nil
		c.draining = false
		return rpc.Request{}, false, nil
	}
	req := c.decision.requests[c.decision.next]
	c.decision.next++
	return req, true, nil
}

// ShouldCheckpoint reports whether the decision most recently fully
// drained by PollToExecute asked the application to checkpoint.
func (c *Coordinator) ShouldCheckpoint() bool { return c.pendingCheckpoint }

// Executed responds to req through the RPC server.
func (c *Coordinator) Executed(req rpc.Request, response []byte) error {
	return c.rpc.Executed(req.Client, req.ID, response)
}

// CheckpointAppState forwards a checkpoint digest into consensus once
// the application has executed the last request of a checkpoint
// window, clearing the pending-checkpoint flag.
func (c *Coordinator) CheckpointAppState(digest [cryptoutil.HashSize]byte) error {
	if !c.haveLastApplied {
		return fmt.Errorf("smr: no decided instance to checkpoint yet: %w", ubfterr.ErrProtocol)
	}
	if err := c.engine.TriggerCheckpoint(c.lastInstance, digest); err != nil {
		return fmt.Errorf("smr: checkpoint app state: %w", err)
	}
	c.haveLastApplied = false
	c.pendingCheckpoint = false
	return nil
}
