// Package cryptoutil is the process-wide crypto facade: a signing
// keypair plus a cached set of peer public keys, and the BLAKE3 hashing
// helpers used by every wire format in the engine (P2P slot hash, SWMR
// subslot hash, TCB echo-compaction hash, certifier share hash).
//
// Signing uses the standard library's crypto/ed25519, matching
// dedis-tlc's own preference for stdlib signing primitives in its test
// harness (crypto/ecdsa, crypto/x509); no example repo in the pack
// wires a third-party library for plain single-signer signatures. The
// hash, by contrast, is BLAKE3, mirroring lukechampine.com/blake3
// consumers in the retrieval pack (cerera, taiko-mono, luxfi-consensus,
// protofire-lotus, prysmaticlabs-prysm) and spec.md's explicit "32-byte
// BLAKE3 hash" requirement.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"lukechampine.com/blake3"

	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// ProcID identifies a process (replica or client).
type ProcID int32

// HashSize is the digest size of the hash used throughout the wire
// format (BLAKE3, truncated to 8 bytes where spec.md calls for a u64
// "hash" field, kept full 32 bytes where it calls for a "hash").
const HashSize = 32

// Hash64 returns the first 8 bytes of BLAKE3(data) as a little-endian
// uint64, used for the u64 "hash" fields in P2P slots and SWMR
// subslots.
func Hash64(data ...[]byte) uint64 {
	sum := Hash256(data...)
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(sum[i]) << (8 * i)
	}
	return v
}

// Hash256 returns the full 32-byte BLAKE3 digest of the concatenation
// of data, used for TCB echo compaction above the size threshold and
// for certifier share hashing.
func Hash256(data ...[]byte) [HashSize]byte {
	h := blake3.New(HashSize, nil)
	for _, d := range data {
		h.Write(d)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// KeyPair is a process's own signing identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh signing keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: generate keypair: %w", err)
	}
	return &KeyPair{Public: pub, private: priv}, nil
}

// Sign signs data with the process's private key.
func (k *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(k.private, data)
}

// Facade is the process-wide crypto context: this process's own
// keypair plus a cache of peers' public keys, indexed by ProcID.
type Facade struct {
	Self *KeyPair

	mu   sync.RWMutex
	peer map[ProcID]ed25519.PublicKey
}

// NewFacade creates a Facade around an existing keypair.
func NewFacade(self *KeyPair) *Facade {
	return &Facade{Self: self, peer: make(map[ProcID]ed25519.PublicKey)}
}

// SetPeerKey registers (or replaces) the cached public key for a peer
// process, normally populated once at bootstrap from the shared
// key-value store.
func (f *Facade) SetPeerKey(id ProcID, pub ed25519.PublicKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peer[id] = pub
}

// PeerKey returns the cached public key for id, or an ErrBootstrap
// error if it was never registered.
func (f *Facade) PeerKey(id ProcID) (ed25519.PublicKey, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	pub, ok := f.peer[id]
	if !ok {
		return nil, fmt.Errorf("cryptoutil: no public key cached for proc %d: %w", id, ubfterr.ErrBootstrap)
	}
	return pub, nil
}

// Verify checks sig over data against the cached public key of signer.
// A false return, rather than an error, lets callers treat "signature
// doesn't verify" uniformly whether the cause is a malformed signature
// or a genuinely byzantine signer.
func (f *Facade) Verify(signer ProcID, data, sig []byte) bool {
	pub, err := f.PeerKey(signer)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
