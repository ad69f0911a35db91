package consensus

import (
	"encoding/binary"
	"fmt"

	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// encodeSerializedState packages every Commit this replica broadcast
// in view v into a blob an acknowledging peer can certify, and a
// future leader can later decode to recompute valid values. Grounded
// on serialized-state.hpp.
func encodeSerializedState(v View, commits map[Instance]BroadcastCommit) []byte {
	size := 8 + 2
	for _, c := range commits {
		size += 8 + 8 + 4 + len(c.Proposal)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], v)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(commits)))
	off := 10
	for _, c := range commits {
		binary.LittleEndian.PutUint64(buf[off:], c.View)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], c.Instance)
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(c.Proposal)))
		off += 4
		copy(buf[off:], c.Proposal)
		off += len(c.Proposal)
	}
	return buf
}

func decodeSerializedState(buf []byte) ([]BroadcastCommit, error) {
	if len(buf) < 10 {
		return nil, fmt.Errorf("consensus: serialized state too short: %w", ubfterr.ErrProtocol)
	}
	count := int(binary.LittleEndian.Uint16(buf[8:10]))
	commits := make([]BroadcastCommit, 0, count)
	off := 10
	for i := 0; i < count; i++ {
		if len(buf) < off+20 {
			return nil, fmt.Errorf("consensus: truncated serialized state entry: %w", ubfterr.ErrProtocol)
		}
		view := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		instance := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		proposalLen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if len(buf) < off+proposalLen {
			return nil, fmt.Errorf("consensus: truncated serialized state proposal: %w", ubfterr.ErrProtocol)
		}
		proposal := append([]byte(nil), buf[off:off+proposalLen]...)
		off += proposalLen
		commits = append(commits, BroadcastCommit{View: view, Instance: instance, Proposal: proposal})
	}
	return commits, nil
}
