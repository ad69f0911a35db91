package consensus

import (
	"encoding/binary"
	"fmt"

	"github.com/LPD-EPFL/ubft-sub000/internal/certifier"
	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// MessageKind discriminates the five message types every replica
// multiplexes over its single tail-consistent-broadcast stream.
type MessageKind uint8

const (
	KindPrepare MessageKind = iota + 1
	KindCommit
	KindCheckpoint
	KindSealView
	KindNewView
)

// PrepareMessage is the leader's proposal for (View, Instance):
// Proposal is the raw batch bytes, opaque to this package.
type PrepareMessage struct {
	View     View
	Instance Instance
	Proposal []byte
}

func encodePrepare(m PrepareMessage) []byte {
	buf := make([]byte, 1+8+8+len(m.Proposal))
	buf[0] = byte(KindPrepare)
	binary.LittleEndian.PutUint64(buf[1:], m.View)
	binary.LittleEndian.PutUint64(buf[9:], m.Instance)
	copy(buf[17:], m.Proposal)
	return buf
}

func decodePrepare(buf []byte) (PrepareMessage, error) {
	if len(buf) < 17 {
		return PrepareMessage{}, fmt.Errorf("consensus: prepare message too short: %w", ubfterr.ErrProtocol)
	}
	return PrepareMessage{
		View:     binary.LittleEndian.Uint64(buf[1:9]),
		Instance: binary.LittleEndian.Uint64(buf[9:17]),
		Proposal: append([]byte(nil), buf[17:]...),
	}, nil
}

// CommitMessage TCB-broadcasts a prepare certificate: proof a
// majority full-committed (View, Instance).
type CommitMessage struct {
	Certificate certifier.Certificate
}

func encodeCommit(m CommitMessage) []byte {
	body := certifier.EncodeCertificate(m.Certificate)
	buf := make([]byte, 1+len(body))
	buf[0] = byte(KindCommit)
	copy(buf[1:], body)
	return buf
}

func decodeCommit(buf []byte) (CommitMessage, error) {
	if len(buf) < 1 {
		return CommitMessage{}, fmt.Errorf("consensus: commit message too short: %w", ubfterr.ErrProtocol)
	}
	cert, err := certifier.DecodeCertificate(buf[1:])
	if err != nil {
		return CommitMessage{}, err
	}
	return CommitMessage{Certificate: cert}, nil
}

// CheckpointMessage TCB-broadcasts a checkpoint certificate.
type CheckpointMessage struct {
	Certificate certifier.Certificate
}

func encodeCheckpoint(m CheckpointMessage) []byte {
	body := certifier.EncodeCertificate(m.Certificate)
	buf := make([]byte, 1+len(body))
	buf[0] = byte(KindCheckpoint)
	copy(buf[1:], body)
	return buf
}

func decodeCheckpoint(buf []byte) (CheckpointMessage, error) {
	if len(buf) < 1 {
		return CheckpointMessage{}, fmt.Errorf("consensus: checkpoint message too short: %w", ubfterr.ErrProtocol)
	}
	cert, err := certifier.DecodeCertificate(buf[1:])
	if err != nil {
		return CheckpointMessage{}, err
	}
	return CheckpointMessage{Certificate: cert}, nil
}

// SealViewMessage announces that the broadcaster will no longer
// propose in its current view, carrying the broadcaster's own
// serialized state so every peer can acknowledge the identical value
// to that broadcaster's view-change certifier.
type SealViewMessage struct {
	State []byte
}

func encodeSealView(state []byte) []byte {
	buf := make([]byte, 1+len(state))
	buf[0] = byte(KindSealView)
	copy(buf[1:], state)
	return buf
}

func decodeSealView(buf []byte) (SealViewMessage, error) {
	if len(buf) < 1 {
		return SealViewMessage{}, fmt.Errorf("consensus: seal view message too short: %w", ubfterr.ErrProtocol)
	}
	return SealViewMessage{State: append([]byte(nil), buf[1:]...)}, nil
}

// NewViewMessage is the new leader's bundle of f+1 view-change state
// certificates, one per sealed replica, proving it has collected
// enough state to recompute every valid value.
type NewViewMessage struct {
	NewView      View
	Certificates map[cryptoutil.ProcID]certifier.Certificate
}

func encodeNewView(m NewViewMessage) []byte {
	size := 1 + 8 + 2
	type entry struct {
		id   cryptoutil.ProcID
		body []byte
	}
	entries := make([]entry, 0, len(m.Certificates))
	for id, cert := range m.Certificates {
		body := certifier.EncodeCertificate(cert)
		entries = append(entries, entry{id: id, body: body})
		size += 4 + 4 + len(body)
	}
	buf := make([]byte, size)
	buf[0] = byte(KindNewView)
	binary.LittleEndian.PutUint64(buf[1:], m.NewView)
	binary.LittleEndian.PutUint16(buf[9:], uint16(len(entries)))
	off := 11
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[off:], uint32(e.id))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.body)))
		off += 4
		copy(buf[off:], e.body)
		off += len(e.body)
	}
	return buf
}

func decodeNewView(buf []byte) (NewViewMessage, error) {
	if len(buf) < 11 {
		return NewViewMessage{}, fmt.Errorf("consensus: new view message too short: %w", ubfterr.ErrProtocol)
	}
	newView := binary.LittleEndian.Uint64(buf[1:9])
	count := int(binary.LittleEndian.Uint16(buf[9:11]))
	certs := make(map[cryptoutil.ProcID]certifier.Certificate, count)
	off := 11
	for i := 0; i < count; i++ {
		if len(buf) < off+8 {
			return NewViewMessage{}, fmt.Errorf("consensus: truncated new view entry header: %w", ubfterr.ErrProtocol)
		}
		id := cryptoutil.ProcID(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		bodyLen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if len(buf) < off+bodyLen {
			return NewViewMessage{}, fmt.Errorf("consensus: truncated new view certificate: %w", ubfterr.ErrProtocol)
		}
		cert, err := certifier.DecodeCertificate(buf[off : off+bodyLen])
		if err != nil {
			return NewViewMessage{}, err
		}
		off += bodyLen
		certs[id] = cert
	}
	return NewViewMessage{NewView: newView, Certificates: certs}, nil
}

// decodeKind dispatches a raw TCB payload to its typed message based
// on its leading kind byte.
func decodeKind(buf []byte) (MessageKind, error) {
	if len(buf) < 1 {
		return 0, fmt.Errorf("consensus: empty message: %w", ubfterr.ErrProtocol)
	}
	return MessageKind(buf[0]), nil
}

// FastCommitMessage is sent raw over a dedicated p2p channel (never
// via TCB): a fixed 16-byte (view, instance) pair announcing this
// replica fast-committed that slot.
type FastCommitMessage struct {
	View     View
	Instance Instance
}

func encodeFastCommit(m FastCommitMessage) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], m.View)
	binary.LittleEndian.PutUint64(buf[8:16], m.Instance)
	return buf
}

func decodeFastCommit(buf []byte) (FastCommitMessage, error) {
	if len(buf) != 16 {
		return FastCommitMessage{}, fmt.Errorf("consensus: malformed fast commit: %w", ubfterr.ErrByzantine)
	}
	return FastCommitMessage{
		View:     binary.LittleEndian.Uint64(buf[0:8]),
		Instance: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}
