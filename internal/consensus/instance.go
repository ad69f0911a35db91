package consensus

import "github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"

// instanceState tracks what this replica has observed about one
// (view, instance) slot: the prepare itself, which replicas have
// fast/full-committed it, and whether it has already been certified or
// decided. Mirrors instance-state.hpp's DynamicBitset pair as Go maps
// keyed by replica id, which reads more naturally than a bitset index
// scheme once replica ids aren't assumed contiguous from zero.
type instanceState struct {
	prepare          PrepareMessage
	fastCommitted    map[cryptoutil.ProcID]bool
	committed        map[cryptoutil.ProcID]bool
	decided          bool
	certifiedPrepare bool
	totalReplicas    int // n, including self
}

func newInstanceState(prepare PrepareMessage, totalReplicas int) *instanceState {
	return &instanceState{
		prepare:       prepare,
		fastCommitted: make(map[cryptoutil.ProcID]bool),
		committed:     make(map[cryptoutil.ProcID]bool),
		totalReplicas: totalReplicas,
	}
}

// receivedFastCommit reports whether this was the first fast commit
// recorded for from.
func (s *instanceState) receivedFastCommit(from cryptoutil.ProcID) bool {
	if s.fastCommitted[from] {
		return false
	}
	s.fastCommitted[from] = true
	return true
}

// receivedCommit reports whether this was the first full commit
// recorded for from.
func (s *instanceState) receivedCommit(from cryptoutil.ProcID) bool {
	if s.committed[from] {
		return false
	}
	s.committed[from] = true
	return true
}

func (s *instanceState) fastQuorumReached() bool {
	return len(s.fastCommitted) >= s.totalReplicas
}

func (s *instanceState) slowQuorumReached() bool {
	return len(s.committed) > s.totalReplicas/2
}

// decidable reports whether the instance is ready to be released to
// the application: not already decided, and either every replica
// fast-committed or a majority full-committed.
func (s *instanceState) decidable() bool {
	return !s.decided && (s.fastQuorumReached() || s.slowQuorumReached())
}
