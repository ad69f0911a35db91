package consensus

// replicaState accumulates everything this process has deduced from
// what one other replica has TCB-broadcast: its view, the commits it
// has vouched for, and the checkpoint/CB progress it has announced.
// Grounded on replica-state.hpp.
type replicaState struct {
	atView      View
	commits     map[Instance]BroadcastCommit
	nextPrepare Instance
	checkpoint  Checkpoint
	nextCB      uint64

	outstandingCommitVerifications int
}

func newReplicaState(window uint64) *replicaState {
	return &replicaState{
		commits:    make(map[Instance]BroadcastCommit),
		checkpoint: NewCheckpoint(0, window, [32]byte{}),
	}
}

// recordCommit stores a replica's Commit for instance at view, unless
// a commit for a strictly greater-or-equal view is already held (a
// replica only ever improves its commits across views). Reports
// whether this call changed the stored commit.
func (r *replicaState) recordCommit(view View, instance Instance, proposal []byte) bool {
	if prev, ok := r.commits[instance]; ok && prev.View >= view {
		return false
	}
	r.commits[instance] = BroadcastCommit{View: view, Instance: instance, Proposal: proposal}
	return true
}
