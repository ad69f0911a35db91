package consensus

import (
	"fmt"
	"time"

	"github.com/LPD-EPFL/ubft-sub000/internal/certifier"
	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/p2p"
	"github.com/LPD-EPFL/ubft-sub000/internal/tailmap"
	"github.com/LPD-EPFL/ubft-sub000/internal/tcb"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// checkpointSlack is how close to a checkpoint's propose_range.High the
// next decision must be before a replica forces a new checkpoint
// broadcast even without being asked, matching spec.md's "within 10".
const checkpointSlack = 10

// ErrNotLeader, ErrOngoingViewChange, ErrNothingToPropose and
// ErrWaitCheckpoint are Propose's named outcomes; all wrap
// ubfterr.ErrProtocol, since each reports this replica's own state
// preventing the call rather than any peer misbehaviour.
var (
	ErrNotLeader         = fmt.Errorf("consensus: not the current leader: %w", ubfterr.ErrProtocol)
	ErrOngoingViewChange = fmt.Errorf("consensus: view change in progress: %w", ubfterr.ErrProtocol)
	ErrNothingToPropose  = fmt.Errorf("consensus: nothing prepared to propose: %w", ubfterr.ErrProtocol)
	ErrWaitCheckpoint    = fmt.Errorf("consensus: next instance beyond checkpoint propose range: %w", ubfterr.ErrProtocol)
)

// RequestLog is the external-validity oracle: a prepare may only be
// certified if every request it batches has already been admitted by
// the RPC layer. Bound here as an interface rather than importing
// internal/rpc, to keep consensus free of RPC's wire concerns.
type RequestLog interface {
	Admitted(batch []byte) bool
}

// Decision is one instance released to the application by PollDecision.
type Decision struct {
	Instance         Instance
	Batch            []byte
	ShouldCheckpoint bool
}

// Config bundles an Engine's wiring: its own TCB stream, a receiver for
// every other replica's stream, dedicated fast-commit channels, and the
// three certifiers (prepare, checkpoint, view-change) it drives.
type Config struct {
	Self     cryptoutil.ProcID
	Replicas []cryptoutil.ProcID // stable order; Leader(v) = Replicas[v % n]
	Window   uint64              // CB tail w, shared by every TailMap/TailQueue here

	Own           *tcb.Broadcaster
	Receivers     map[cryptoutil.ProcID]*tcb.Receiver // keyed by broadcaster id, excludes Self
	FastCommitOut map[cryptoutil.ProcID]*p2p.Sender
	FastCommitIn  map[cryptoutil.ProcID]*p2p.Receiver

	PrepareCertifier    *certifier.Certifier
	CheckpointCertifier *certifier.Certifier
	// ViewChangeCertifiers holds one certifier per replica in Replicas
	// (including Self), each aggregating shares over that replica's own
	// serialized-state blob: a single shared certifier cannot do this,
	// since a certifier aggregates quorum over one identical value per
	// index and distinct replicas seal distinct states.
	ViewChangeCertifiers map[cryptoutil.ProcID]*certifier.Certifier

	Log RequestLog
}

// Engine is the view-based BFT consensus agreement loop of spec.md §4.5.
type Engine struct {
	self     cryptoutil.ProcID
	replicas []cryptoutil.ProcID
	window   uint64
	log      RequestLog

	own           *tcb.Broadcaster
	receivers     map[cryptoutil.ProcID]*tcb.Receiver
	fastCommitOut map[cryptoutil.ProcID]*p2p.Sender
	fastCommitIn  map[cryptoutil.ProcID]*p2p.Receiver

	prepareCert    *certifier.Certifier
	checkpointCert *certifier.Certifier
	vcCerts        map[cryptoutil.ProcID]*certifier.Certifier // keyed by sealed replica

	view              View
	nextToReserve     Instance
	nextToBroadcast   Instance
	pendingBatches    map[Instance][]byte
	ownCommits        map[Instance]BroadcastCommit
	checkpoint        Checkpoint
	lastBroadcastCkpt Instance
	nextCB            uint64
	lastCertifiedCB   uint64

	instances *tailmap.TailMap[*instanceState]
	decided   *tailmap.TailQueue[Decision]
	decidedN  uint64

	replicaStates map[cryptoutil.ProcID]*replicaState

	viewChangeActive bool
	sealedReplicas   map[cryptoutil.ProcID]bool
	pendingVC        *viewChangeState // non-nil only while self is the prospective new leader
	vcBackoff        *backoffTimer    // re-broadcasts our SealView if the view change stalls
}

// NewEngine creates an Engine per cfg, starting at view 0.
func NewEngine(cfg Config) *Engine {
	replicaStates := make(map[cryptoutil.ProcID]*replicaState, len(cfg.Replicas))
	for _, id := range cfg.Replicas {
		if id == cfg.Self {
			continue
		}
		replicaStates[id] = newReplicaState(cfg.Window)
	}
	return &Engine{
		self:            cfg.Self,
		replicas:        cfg.Replicas,
		window:          cfg.Window,
		log:             cfg.Log,
		own:             cfg.Own,
		receivers:       cfg.Receivers,
		fastCommitOut:   cfg.FastCommitOut,
		fastCommitIn:    cfg.FastCommitIn,
		prepareCert:     cfg.PrepareCertifier,
		checkpointCert:  cfg.CheckpointCertifier,
		vcCerts:         cfg.ViewChangeCertifiers,
		pendingBatches:  make(map[Instance][]byte),
		ownCommits:      make(map[Instance]BroadcastCommit),
		checkpoint:      NewCheckpoint(0, cfg.Window, [cryptoutil.HashSize]byte{}),
		instances:       tailmap.New[*instanceState](cfg.Window),
		decided:         tailmap.NewQueue[Decision](cfg.Window),
		replicaStates:   replicaStates,
		sealedReplicas:  make(map[cryptoutil.ProcID]bool),
		vcBackoff:       newBackoffTimer(50*time.Millisecond, 2*time.Second),
	}
}

func (e *Engine) isLeader() bool { return Leader(e.replicas, e.view) == e.self }

// IsLeader reports whether this replica currently leads the view, for
// callers (the SMR coordinator) that need to decide whether to build
// and propose a batch, or whether the RPC server should aggregate
// echoes, without duplicating the leader-election formula.
func (e *Engine) IsLeader() bool { return e.isLeader() }

// GetSlot reserves the next consensus instance and returns a zeroed
// buffer of batchSize bytes for the leader to pack requests into.
func (e *Engine) GetSlot(batchSize int) (Instance, []byte, bool) {
	if !e.isLeader() || e.viewChangeActive {
		return 0, nil, false
	}
	if !e.checkpoint.ProposeRange.Contains(e.nextToReserve) {
		return 0, nil, false
	}
	instance := e.nextToReserve
	e.nextToReserve++
	buf := make([]byte, batchSize)
	e.pendingBatches[instance] = buf
	return instance, buf, true
}

// Propose TCB-broadcasts every prepared-but-not-yet-broadcast slot in
// instance order.
func (e *Engine) Propose() error {
	if !e.isLeader() {
		return ErrNotLeader
	}
	if e.viewChangeActive {
		return ErrOngoingViewChange
	}
	if !e.checkpoint.ProposeRange.Contains(e.nextToBroadcast) {
		return ErrWaitCheckpoint
	}
	proposed := false
	for {
		batch, ok := e.pendingBatches[e.nextToBroadcast]
		if !ok {
			break
		}
		if err := e.broadcastPrepare(e.nextToBroadcast, batch); err != nil {
			return err
		}
		delete(e.pendingBatches, e.nextToBroadcast)
		e.nextToBroadcast++
		proposed = true
	}
	if !proposed {
		return ErrNothingToPropose
	}
	return nil
}

func (e *Engine) broadcastPrepare(instance Instance, batch []byte) error {
	msg := PrepareMessage{View: e.view, Instance: instance, Proposal: batch}
	if _, err := e.own.Broadcast(encodePrepare(msg)); err != nil {
		return fmt.Errorf("consensus: broadcast prepare %d: %w", instance, err)
	}
	if err := e.checkCBSlack(); err != nil {
		return err
	}
	return e.observePrepare(e.self, msg)
}

// checkCBSlack tracks this replica's own TCB position. Enforcing the
// full slack rule (pausing the main loop and helping every peer's CB
// certifier once next_cb runs ahead of last_certified_cb + w - 1) needs
// its own per-replica, periodically self-certified CB-position value,
// mirroring the view-change certifier set; that is out of scope for
// this build (see SPEC_FULL.md's OPEN QUESTION DECISIONS and
// DESIGN.md), so this only keeps the counter a future enforcing pass
// would compare against lastCertifiedCB.
func (e *Engine) checkCBSlack() error {
	e.nextCB++
	return nil
}

// observePrepare is the shared path for a prepare this replica has
// just seen, whether self-produced or received from the leader: it
// creates instance state, externally validates the batch, and decides
// whether to fast-commit it.
func (e *Engine) observePrepare(from cryptoutil.ProcID, msg PrepareMessage) error {
	if _, ok := e.instances.Get(msg.Instance); ok {
		return nil // already have a prepare for this instance; ignore duplicates/resends
	}
	if e.log != nil && !e.log.Admitted(msg.Proposal) {
		return fmt.Errorf("consensus: prepare %d carries an unadmitted request: %w", msg.Instance, ubfterr.ErrByzantine)
	}
	st := newInstanceState(msg, len(e.replicas))
	e.instances.Insert(msg.Instance, st)

	packed := pack(msg.View, msg.Instance)
	if err := e.prepareCert.Acknowledge(packed, msg.Proposal, from == e.self); err != nil {
		return fmt.Errorf("consensus: acknowledge prepare %d: %w", msg.Instance, err)
	}
	if from != e.self {
		// The leader's own promise is implied by the fact that it proposed
		// this value at all; it never sends one over the wire, so record it
		// locally instead of waiting for a message that will never arrive.
		if err := e.prepareCert.ReceivedImplicitPromise(from, packed); err != nil {
			return fmt.Errorf("consensus: implicit promise from leader %d for %d: %w", from, msg.Instance, err)
		}
	}
	return nil
}

// pollPreparePromises drains the prepare certifier's fast-path promise
// quorums: once every replica has promised (v, i), this replica sends
// its own fixed-size fast-commit message to every peer.
func (e *Engine) pollPreparePromises() error {
	for {
		packed, ok := e.prepareCert.PollPromise()
		if !ok {
			return nil
		}
		view, instance := unpack(packed)
		st, ok := e.instances.Get(instance)
		if !ok {
			continue
		}
		st.receivedFastCommit(e.self)
		fc := FastCommitMessage{View: view, Instance: instance}
		for peer, sender := range e.fastCommitOut {
			slot, err := sender.GetSlot(16)
			if err != nil {
				return fmt.Errorf("consensus: fast-commit to %d: %w", peer, err)
			}
			copy(slot.Payload(), encodeFastCommit(fc))
			sender.Send()
		}
	}
}

// Tick drives every sub-component once, in this order: the prepare,
// checkpoint and view-change certifiers, the own broadcaster and
// fast-commit senders, each TCB receiver (dispatching what it
// delivered), prepare promises, prepare certificates, checkpoint
// certificates, fast commits, view-change certificates and the SealView
// re-broadcast (only during a view change), and finally tryDecide.
// Tick has no cross-broadcast-check certificate step.
func (e *Engine) Tick() error {
	if err := e.prepareCert.Tick(); err != nil {
		return fmt.Errorf("consensus: prepare certifier tick: %w", err)
	}
	if err := e.checkpointCert.Tick(); err != nil {
		return fmt.Errorf("consensus: checkpoint certifier tick: %w", err)
	}
	for replica, cert := range e.vcCerts {
		if err := cert.Tick(); err != nil {
			return fmt.Errorf("consensus: view-change certifier for %d tick: %w", replica, err)
		}
	}
	if err := e.own.Tick(); err != nil {
		return fmt.Errorf("consensus: own broadcaster tick: %w", err)
	}
	for peer, sender := range e.fastCommitOut {
		if err := sender.Tick(); err != nil {
			return fmt.Errorf("consensus: fast-commit sender %d tick: %w", peer, err)
		}
	}
	for peer, recv := range e.receivers {
		if err := recv.Tick(); err != nil {
			return fmt.Errorf("consensus: receiver %d tick: %w", peer, err)
		}
		if err := e.drainReceiver(peer, recv); err != nil {
			return err
		}
	}
	if err := e.pollPreparePromises(); err != nil {
		return err
	}
	if err := e.pollPrepareCertifier(); err != nil {
		return err
	}
	if err := e.pollCheckpointCertificate(); err != nil {
		return err
	}
	if err := e.pollFastCommits(); err != nil {
		return err
	}
	if e.viewChangeActive {
		if err := e.pollViewChangeCertificates(); err != nil {
			return err
		}
		if e.vcBackoff.ready(time.Now()) {
			blob := encodeSerializedState(e.view, e.ownCommits)
			if _, err := e.own.Broadcast(encodeSealView(blob)); err != nil {
				return fmt.Errorf("consensus: re-broadcast seal view %d: %w", e.view, err)
			}
			e.vcBackoff.arm(time.Now())
		}
	}
	e.tryDecide()
	return nil
}

// drainReceiver dispatches every message the stream from peer has
// delivered this tick, by kind.
func (e *Engine) drainReceiver(peer cryptoutil.ProcID, recv *tcb.Receiver) error {
	for {
		msg, ok := recv.Poll()
		if !ok {
			return nil
		}
		kind, err := decodeKind(msg.Data)
		if err != nil {
			return fmt.Errorf("consensus: message from %d: %w", peer, err)
		}
		switch kind {
		case KindPrepare:
			p, err := decodePrepare(msg.Data)
			if err != nil {
				return fmt.Errorf("consensus: prepare from %d: %w", peer, err)
			}
			if Leader(e.replicas, p.View) != peer {
				return fmt.Errorf("consensus: %d proposed outside its leadership of view %d: %w", peer, p.View, ubfterr.ErrByzantine)
			}
			if err := e.observePrepare(peer, p); err != nil {
				return err
			}
		case KindCommit:
			c, err := decodeCommit(msg.Data)
			if err != nil {
				return fmt.Errorf("consensus: commit from %d: %w", peer, err)
			}
			if !e.prepareCert.Check(c.Certificate) {
				return fmt.Errorf("consensus: invalid commit certificate from %d: %w", peer, ubfterr.ErrByzantine)
			}
			view, instance := unpack(c.Certificate.Index)
			rs := e.replicaStates[peer]
			if rs != nil {
				rs.recordCommit(view, instance, c.Certificate.Message)
			}
			if st, ok := e.instances.Get(instance); ok {
				st.receivedCommit(peer)
			}
		case KindCheckpoint:
			c, err := decodeCheckpoint(msg.Data)
			if err != nil {
				return fmt.Errorf("consensus: checkpoint from %d: %w", peer, err)
			}
			if !e.checkpointCert.Check(c.Certificate) {
				return fmt.Errorf("consensus: invalid checkpoint certificate from %d: %w", peer, ubfterr.ErrByzantine)
			}
			// Certificate.Index carries the checkpoint's next_instance; a
			// strictly greater one supersedes the sender's prior checkpoint.
			if rs := e.replicaStates[peer]; rs != nil && c.Certificate.Index > rs.checkpoint.ProposeRange.Low {
				rs.checkpoint = NewCheckpoint(c.Certificate.Index, e.window, [cryptoutil.HashSize]byte{})
			}
		case KindSealView:
			sv, err := decodeSealView(msg.Data)
			if err != nil {
				return fmt.Errorf("consensus: seal view from %d: %w", peer, err)
			}
			if err := e.onSealView(peer, sv.State); err != nil {
				return err
			}
		case KindNewView:
			nv, err := decodeNewView(msg.Data)
			if err != nil {
				return fmt.Errorf("consensus: new view from %d: %w", peer, err)
			}
			if err := e.onNewView(peer, nv); err != nil {
				return err
			}
		default:
			return fmt.Errorf("consensus: unknown message kind %d from %d: %w", kind, peer, ubfterr.ErrByzantine)
		}
	}
}

// pollPrepareCertifier collects slow-path certificates (fast-path
// promises are drained separately, by pollPreparePromises),
// TCB-broadcasting a Commit for each new certificate.
func (e *Engine) pollPrepareCertifier() error {
	for {
		cert, ok := e.prepareCert.PollCertificate()
		if !ok {
			return nil
		}
		view, instance := unpack(cert.Index)
		st, ok := e.instances.Get(instance)
		if !ok || st.certifiedPrepare {
			continue
		}
		st.certifiedPrepare = true
		st.receivedCommit(e.self)
		e.ownCommits[instance] = BroadcastCommit{View: view, Instance: instance, Proposal: cert.Message}
		if _, err := e.own.Broadcast(encodeCommit(CommitMessage{Certificate: cert})); err != nil {
			return fmt.Errorf("consensus: broadcast commit %d: %w", instance, err)
		}
		if err := e.checkCBSlack(); err != nil {
			return err
		}
	}
}

// pollFastCommits drains the dedicated fast-commit channels and
// aggregates them per instance.
func (e *Engine) pollFastCommits() error {
	buf := make([]byte, 16)
	for peer, recv := range e.fastCommitIn {
		for {
			n, ok, err := recv.Poll(buf)
			if err != nil {
				return fmt.Errorf("consensus: poll fast commit from %d: %w", peer, err)
			}
			if !ok {
				break
			}
			fc, err := decodeFastCommit(buf[:n])
			if err != nil {
				return fmt.Errorf("consensus: fast commit from %d: %w", peer, err)
			}
			if st, ok := e.instances.Get(fc.Instance); ok {
				st.receivedFastCommit(peer)
			}
		}
	}
	return nil
}

func (e *Engine) tryDecide() {
	for {
		next := e.decidedN
		st, ok := e.instances.Get(next)
		if !ok {
			return // gap: would need state transfer, out of scope (ubfterr.ErrInstanceGap)
		}
		if !st.decidable() {
			return
		}
		st.decided = true
		shouldCkpt := next != 0 && next%(e.window/2) == 0
		e.decided.Insert(next, Decision{Instance: next, Batch: st.prepare.Proposal, ShouldCheckpoint: shouldCkpt})
		e.decidedN++
	}
}

// PollDecision returns the next decided batch in strict instance order.
func (e *Engine) PollDecision() (Decision, bool) {
	_, d, ok := e.decided.PollNext()
	return d, ok
}

// TriggerCheckpoint acknowledges a new checkpoint value to the
// checkpoint certifier once the application reports a digest for
// everything executed up to lastApplied.
func (e *Engine) TriggerCheckpoint(lastApplied Instance, digest [cryptoutil.HashSize]byte) error {
	next := lastApplied + 1
	ckpt := NewCheckpoint(next, e.window, digest)
	if err := e.checkpointCert.Acknowledge(next, digest[:], false); err != nil {
		return fmt.Errorf("consensus: acknowledge checkpoint %d: %w", next, err)
	}
	e.checkpoint = ckpt
	return nil
}

// pollCheckpointCertificate broadcasts a new Checkpoint message once a
// strictly greater certificate is ready and nextToBroadcast is within
// checkpointSlack instances of the current propose range's ceiling.
// There is no other trigger: a certificate polled while that condition
// does not hold is not broadcast.
func (e *Engine) pollCheckpointCertificate() error {
	cert, ok := e.checkpointCert.PollCertificate()
	if !ok {
		return nil
	}
	if cert.Index <= e.lastBroadcastCkpt {
		return nil
	}
	forced := e.nextToBroadcast+checkpointSlack >= e.checkpoint.ProposeRange.High
	if !forced {
		return nil
	}
	if _, err := e.own.Broadcast(encodeCheckpoint(CheckpointMessage{Certificate: cert})); err != nil {
		return fmt.Errorf("consensus: broadcast checkpoint %d: %w", cert.Index, err)
	}
	if err := e.checkCBSlack(); err != nil {
		return err
	}
	e.lastBroadcastCkpt = cert.Index
	// Instances strictly before the new propose range are unreachable now.
	e.instances.Forget(cert.Index)
	e.decided.Forget(cert.Index)
	return nil
}

// ChangeView drives this replica into the next view: it TCB-broadcasts
// a SealView message carrying this replica's serialized state for the
// current view. Instance state recorded under the sealed view, including
// undecided prepares, is kept; ChangeView does not forget it.
func (e *Engine) ChangeView() error {
	blob := encodeSerializedState(e.view, e.ownCommits)
	if _, err := e.own.Broadcast(encodeSealView(blob)); err != nil {
		return fmt.Errorf("consensus: broadcast seal view %d: %w", e.view, err)
	}
	if err := e.checkCBSlack(); err != nil {
		return err
	}
	return e.onSealView(e.self, blob)
}

// onSealView is invoked both for our own SealView (self-delivered) and
// for every peer's: it acknowledges the sealing replica's serialized
// state to that replica's own view-change certifier (one per sealed
// replica, since a certifier only aggregates quorum over one identical
// value per index, and distinct replicas seal distinct states), and
// tracks enough sealed peers to know when a view change is underway.
func (e *Engine) onSealView(from cryptoutil.ProcID, state []byte) error {
	if e.sealedReplicas[from] {
		return nil
	}
	e.sealedReplicas[from] = true
	e.viewChangeActive = true

	cert, ok := e.vcCerts[from]
	if !ok {
		return fmt.Errorf("consensus: seal view from unrecognized replica %d: %w", from, ubfterr.ErrByzantine)
	}
	if err := cert.Acknowledge(e.view, state, from == e.self); err != nil {
		return fmt.Errorf("consensus: acknowledge %d's serialized state: %w", from, err)
	}
	if from == e.self {
		e.vcBackoff.arm(time.Now())
	}

	if Leader(e.replicas, e.view+1) == e.self && e.pendingVC == nil {
		e.pendingVC = newViewChangeState(e.view)
	}
	return nil
}

// pollViewChangeCertificates is driven alongside Tick while a view
// change is active. Every replica runs one certifier per sealed replica,
// each wired to a full point-to-point share mesh, so every node
// independently reaches quorum on every sealed replica's certificate
// (not just its own) once enough peers acknowledge that replica's state
// and forward their signed shares — no separate forwarding message is
// needed beyond the certifier's own mesh. Only the prospective new
// leader accumulates the resulting certificates into pendingVC.
func (e *Engine) pollViewChangeCertificates() error {
	if e.pendingVC == nil {
		return nil
	}
	for replica, cert := range e.vcCerts {
		vcc, ok := cert.PollCertificate()
		if !ok {
			continue
		}
		e.pendingVC.add(replica, vcc)
	}
	if e.pendingVC.ready(e.quorum()) {
		nv := e.pendingVC.buildNewView()
		if _, err := e.own.Broadcast(encodeNewView(nv)); err != nil {
			return fmt.Errorf("consensus: broadcast new view: %w", err)
		}
		if err := e.checkCBSlack(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) quorum() int { return (len(e.replicas)-1)/2 + 1 }

// onNewView applies a verified NewView: bumps to the new view,
// recomputes valid values, and re-marks every instance they cover as
// prepared again so Propose will re-broadcast them.
func (e *Engine) onNewView(from cryptoutil.ProcID, nv NewViewMessage) error {
	if Leader(e.replicas, nv.NewView) != from {
		return fmt.Errorf("consensus: %d sent new view %d it does not lead: %w", from, nv.NewView, ubfterr.ErrByzantine)
	}
	for replica, cert := range nv.Certificates {
		vc, ok := e.vcCerts[replica]
		if !ok || !vc.Check(cert) {
			return fmt.Errorf("consensus: invalid view-change certificate for %d in new view %d from %d: %w", replica, nv.NewView, from, ubfterr.ErrByzantine)
		}
	}
	values := validValues(nv)
	e.view = nv.NewView
	e.viewChangeActive = false
	e.sealedReplicas = make(map[cryptoutil.ProcID]bool)
	e.pendingVC = nil
	e.vcBackoff.reset()

	for instance, v := range values {
		if instance >= e.nextToReserve {
			e.nextToReserve = instance + 1
		}
		if e.isLeader() {
			e.pendingBatches[instance] = v.Proposal
			if instance < e.nextToBroadcast {
				e.nextToBroadcast = instance
			}
		}
	}
	return nil
}
