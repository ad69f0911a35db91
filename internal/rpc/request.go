// Package rpc implements the RPC server and client of spec.md §4.6:
// per-client request ingress with an echo fast path and a signature
// slow path on the server side, and an f+1-identical-response quorum
// collector on the client side.
//
// Grounded on original_source/ubft/src/rpc/{server,client}.hpp for the
// protocol shape, internal/tcb and internal/certifier for the Go
// encode/tick/poll idiom this package reuses, and the pack's
// distributed-kvstore replicator (ppriyankuu-godkv) for the "fan out
// to every server, wait for a quorum of identical replies" client
// idiom.
package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// Request is one client call: Signature is nil on the fast (plain)
// path and populated once the client's slow-path copy arrives or a
// server's background verifier confirms it.
type Request struct {
	Client    cryptoutil.ProcID
	ID        uint64
	Payload   []byte
	Signature []byte
}

// encodeRequest lays out client(4) | id(8) | sigLen(2) | sig | payload,
// little-endian throughout, matching every other wire type in this
// module.
func encodeRequest(r Request) []byte {
	buf := make([]byte, 4+8+2+len(r.Signature)+len(r.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Client))
	binary.LittleEndian.PutUint64(buf[4:12], r.ID)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(len(r.Signature)))
	off := 14
	copy(buf[off:], r.Signature)
	off += len(r.Signature)
	copy(buf[off:], r.Payload)
	return buf
}

func decodeRequest(buf []byte) (Request, error) {
	if len(buf) < 14 {
		return Request{}, fmt.Errorf("rpc: request too short: %w", ubfterr.ErrProtocol)
	}
	client := cryptoutil.ProcID(binary.LittleEndian.Uint32(buf[0:4]))
	id := binary.LittleEndian.Uint64(buf[4:12])
	sigLen := int(binary.LittleEndian.Uint16(buf[12:14]))
	if len(buf) < 14+sigLen {
		return Request{}, fmt.Errorf("rpc: truncated request signature: %w", ubfterr.ErrProtocol)
	}
	sig := append([]byte(nil), buf[14:14+sigLen]...)
	payload := append([]byte(nil), buf[14+sigLen:]...)
	return Request{Client: client, ID: id, Payload: payload, Signature: sig}, nil
}

// signedCommitment is what a client signs and a server verifies: it
// binds the signature to this exact (client, id, payload) triple so a
// signature from one request can never be replayed onto another.
func signedCommitment(client cryptoutil.ProcID, id uint64, payload []byte) []byte {
	h := cryptoutil.Hash256(encodeRequest(Request{Client: client, ID: id, Payload: payload}))
	return h[:]
}

// Response is one server's reply to a request, keyed the same way so a
// client can tell which request it answers.
type Response struct {
	Client  cryptoutil.ProcID
	ID      uint64
	Payload []byte
}

func encodeResponse(r Response) []byte {
	buf := make([]byte, 4+8+len(r.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Client))
	binary.LittleEndian.PutUint64(buf[4:12], r.ID)
	copy(buf[12:], r.Payload)
	return buf
}

func decodeResponse(buf []byte) (Response, error) {
	if len(buf) < 12 {
		return Response{}, fmt.Errorf("rpc: response too short: %w", ubfterr.ErrProtocol)
	}
	return Response{
		Client:  cryptoutil.ProcID(binary.LittleEndian.Uint32(buf[0:4])),
		ID:      binary.LittleEndian.Uint64(buf[4:12]),
		Payload: append([]byte(nil), buf[12:]...),
	}, nil
}
