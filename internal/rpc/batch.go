package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// EncodeBatch packs requests into the opaque batch consensus.Engine
// proposes and later decides; DecodeBatch is its inverse, used both by
// Admitted (external validity) and by the coordinator to recover
// individual requests from a decided batch.
func EncodeBatch(requests []Request) []byte {
	size := 2
	encoded := make([][]byte, len(requests))
	for i, r := range requests {
		encoded[i] = encodeRequest(r)
		size += 4 + len(encoded[i])
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(requests)))
	off := 2
	for _, e := range encoded {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e)))
		off += 4
		copy(buf[off:], e)
		off += len(e)
	}
	return buf
}

func decodeBatch(buf []byte) ([]Request, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("rpc: batch too short: %w", ubfterr.ErrProtocol)
	}
	count := int(binary.LittleEndian.Uint16(buf[0:2]))
	requests := make([]Request, 0, count)
	off := 2
	for i := 0; i < count; i++ {
		if len(buf) < off+4 {
			return nil, fmt.Errorf("rpc: truncated batch entry header: %w", ubfterr.ErrProtocol)
		}
		n := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if len(buf) < off+n {
			return nil, fmt.Errorf("rpc: truncated batch entry: %w", ubfterr.ErrProtocol)
		}
		req, err := decodeRequest(buf[off : off+n])
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
		off += n
	}
	return requests, nil
}

// DecodeBatch exposes decodeBatch to callers outside the package (the
// SMR coordinator, unpacking a decided instance).
func DecodeBatch(buf []byte) ([]Request, error) { return decodeBatch(buf) }
