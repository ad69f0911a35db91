// Package certifier implements share aggregation into transferable
// certificates (spec.md §4.4): n replicas each acknowledge the same
// byte value at an index, sign a commitment to it in the background,
// and once f+1 signature shares are gathered, any replica can hand out
// a self-verifying Certificate to anyone holding the signers' public
// keys.
//
// Adapted from original_source/ubft/src/certifier/certifier.hpp: the
// fast "promise" path (all peers have acknowledged, ready for an
// optimistic/fast-path decision) and the slow "share" path (f+1
// signed commitments, transferable proof) are kept as two independent
// toggleable loops exactly as the original structures them.
package certifier

import (
	"encoding/binary"
	"fmt"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// Share is a single replica's signature over a (identifier, index,
// value) commitment.
type Share struct {
	Signer    cryptoutil.ProcID
	Signature []byte
}

// Certificate bundles enough shares to prove quorum endorsement of
// Message at Index under Identifier, verifiable by anyone holding the
// signers' public keys.
type Certificate struct {
	Identifier uint64
	Index      uint64
	Shares     []Share
	Message    []byte
}

// NbShares reports how many shares this certificate carries.
func (c Certificate) NbShares() int { return len(c.Shares) }

func commitmentHash(identifier uint64, index uint64, value []byte) [cryptoutil.HashSize]byte {
	return cryptoutil.Hash256(identifierBytes(identifier), indexBytes(index), value)
}

func identifierBytes(id uint64) []byte {
	return uint64Bytes(id)
}

func indexBytes(idx uint64) []byte {
	return uint64Bytes(idx)
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

// genesisCertificate builds an unverifiable placeholder certificate
// trusted only by the special index 0, used as the decided value for
// checkpoints and instances nobody ever actually certified (e.g. the
// genesis checkpoint at startup).
func genesisCertificate(identifier uint64, value []byte) Certificate {
	return Certificate{Identifier: identifier, Index: 0, Message: value}
}

// errDup mirrors the original's "Unimplemented: Byzantine behavior"
// throw sites: unexpected protocol violations a correct peer would
// never trigger.
func errDup(format string, args ...any) error {
	return fmt.Errorf("certifier: "+format+": %w", append(args, ubfterr.ErrByzantine)...)
}

// EncodeCertificate serializes cert for transfer embedded in another
// component's wire message (e.g. a consensus Commit or Checkpoint).
// Layout: identifier(8) | index(8) | nbShares(2) | shares[signer(4) |
// sigLen(2) | sig] | messageLen(4) | message.
func EncodeCertificate(cert Certificate) []byte {
	size := 8 + 8 + 2
	for _, s := range cert.Shares {
		size += 4 + 2 + len(s.Signature)
	}
	size += 4 + len(cert.Message)

	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], cert.Identifier)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], cert.Index)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(cert.Shares)))
	off += 2
	for _, s := range cert.Shares {
		binary.LittleEndian.PutUint32(buf[off:], uint32(s.Signer))
		off += 4
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(s.Signature)))
		off += 2
		copy(buf[off:], s.Signature)
		off += len(s.Signature)
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(cert.Message)))
	off += 4
	copy(buf[off:], cert.Message)
	return buf
}

// DecodeCertificate is the inverse of EncodeCertificate.
func DecodeCertificate(buf []byte) (Certificate, error) {
	if len(buf) < 8+8+2 {
		return Certificate{}, fmt.Errorf("certifier: certificate buffer too short: %w", ubfterr.ErrProtocol)
	}
	off := 0
	identifier := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	index := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	nbShares := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2

	shares := make([]Share, 0, nbShares)
	for i := 0; i < nbShares; i++ {
		if len(buf) < off+4+2 {
			return Certificate{}, fmt.Errorf("certifier: truncated share header: %w", ubfterr.ErrProtocol)
		}
		signer := cryptoutil.ProcID(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		sigLen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if len(buf) < off+sigLen {
			return Certificate{}, fmt.Errorf("certifier: truncated share signature: %w", ubfterr.ErrProtocol)
		}
		sig := append([]byte(nil), buf[off:off+sigLen]...)
		off += sigLen
		shares = append(shares, Share{Signer: signer, Signature: sig})
	}

	if len(buf) < off+4 {
		return Certificate{}, fmt.Errorf("certifier: truncated message length: %w", ubfterr.ErrProtocol)
	}
	msgLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+msgLen {
		return Certificate{}, fmt.Errorf("certifier: truncated message: %w", ubfterr.ErrProtocol)
	}
	message := append([]byte(nil), buf[off:off+msgLen]...)

	return Certificate{Identifier: identifier, Index: index, Shares: shares, Message: message}, nil
}
