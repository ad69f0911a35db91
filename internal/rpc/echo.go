package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// echoMessage is what a follower forwards to the leader for every
// request it receives: a commitment to (client, id, payload) rather
// than the raw payload, since the leader only needs to confirm every
// follower saw the identical request, not re-receive its bytes.
// Simplified from spec.md's size-conditional raw-or-hash echo (see
// internal/tcb.EchoThreshold) to always-hash, since request payloads
// here are request-sized rather than TCB-broadcast-batch-sized.
type echoMessage struct {
	Client cryptoutil.ProcID
	ID     uint64
	Digest [cryptoutil.HashSize]byte
}

func encodeEcho(m echoMessage) []byte {
	buf := make([]byte, 4+8+cryptoutil.HashSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Client))
	binary.LittleEndian.PutUint64(buf[4:12], m.ID)
	copy(buf[12:], m.Digest[:])
	return buf
}

func decodeEcho(buf []byte) (echoMessage, error) {
	if len(buf) != 4+8+cryptoutil.HashSize {
		return echoMessage{}, fmt.Errorf("rpc: malformed echo: %w", ubfterr.ErrByzantine)
	}
	var m echoMessage
	m.Client = cryptoutil.ProcID(binary.LittleEndian.Uint32(buf[0:4]))
	m.ID = binary.LittleEndian.Uint64(buf[4:12])
	copy(m.Digest[:], buf[12:])
	return m, nil
}

func requestDigest(r Request) [cryptoutil.HashSize]byte {
	return cryptoutil.Hash256(encodeRequest(Request{Client: r.Client, ID: r.ID, Payload: r.Payload}))
}
