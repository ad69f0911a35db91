package certifier

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/p2p"
	"github.com/LPD-EPFL/ubft-sub000/internal/tailmap"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
	"github.com/LPD-EPFL/ubft-sub000/internal/workpool"
)

// slowPathPeriod throttles the (comparatively expensive) share
// exchange to run every Nth tick, matching the original's "slow path
// runs every 16 ticks" throttle; the fast promise path still runs
// every tick.
const slowPathPeriod = 16

type messageData struct {
	index         uint64
	value         []byte
	hash          [cryptoutil.HashSize]byte
	otherReplicas int
	promised      map[cryptoutil.ProcID]bool
	shares        map[cryptoutil.ProcID]Share
}

func (md *messageData) pollablePromise() bool {
	return len(md.promised) >= md.otherReplicas
}

func (md *messageData) quorum() int { return (md.otherReplicas+1)/2 + 1 }

func (md *messageData) pollableCertificate() bool {
	return len(md.shares) >= md.quorum()
}

func (md *messageData) buildCertificate(identifier uint64) Certificate {
	shares := make([]Share, 0, md.quorum())
	for _, s := range md.shares {
		shares = append(shares, s)
		if len(shares) == md.quorum() {
			break
		}
	}
	return Certificate{Identifier: identifier, Index: md.index, Shares: shares, Message: md.value}
}

// Config bundles a Certifier's peer-keyed transport endpoints: one
// promise and one share channel to/from every other replica.
type Config struct {
	Self             cryptoutil.ProcID
	Keys             *cryptoutil.Facade
	Pool             *workpool.Pool
	Window           uint64
	StrIdentifier    string
	PromiseSenders   map[cryptoutil.ProcID]*p2p.Sender
	PromiseReceivers map[cryptoutil.ProcID]*p2p.Receiver
	ShareSenders     map[cryptoutil.ProcID]*p2p.Sender
	ShareReceivers   map[cryptoutil.ProcID]*p2p.Receiver
}

// Certifier turns a stream of acknowledgements of identical byte
// values into transferable quorum certificates (spec.md §4.4).
type Certifier struct {
	self          cryptoutil.ProcID
	keys          *cryptoutil.Facade
	pool          *workpool.Pool
	window        uint64
	identifier    uint64
	strIdentifier string

	promiseSenders   map[cryptoutil.ProcID]*p2p.Sender
	promiseReceivers map[cryptoutil.ProcID]*p2p.Receiver
	shareSenders     map[cryptoutil.ProcID]*p2p.Sender
	shareReceivers   map[cryptoutil.ProcID]*p2p.Receiver
	otherReplicas    int

	msgs *tailmap.TailMap[*messageData]

	bufferedPromises map[cryptoutil.ProcID][]uint64
	bufferedShares   map[cryptoutil.ProcID][]taggedShare

	runFast bool
	runSlow bool
	ticks   int

	nextPromise     uint64
	nextCertificate uint64
	signTag         uint64
	verifyTag       uint64
}

type taggedShare struct {
	index uint64
	share Share
}

// New creates a Certifier per cfg, with the fast promise path enabled
// and the slow share path disabled by default (callers toggle per
// spec.md §4.5's fast/slow-path selection).
func New(cfg Config) *Certifier {
	c := &Certifier{
		self:             cfg.Self,
		keys:             cfg.Keys,
		pool:             cfg.Pool,
		window:           cfg.Window,
		identifier:       cryptoutil.Hash64([]byte(cfg.StrIdentifier)),
		strIdentifier:    cfg.StrIdentifier,
		promiseSenders:   cfg.PromiseSenders,
		promiseReceivers: cfg.PromiseReceivers,
		shareSenders:     cfg.ShareSenders,
		shareReceivers:   cfg.ShareReceivers,
		otherReplicas:    len(cfg.ShareReceivers),
		msgs:             tailmap.New[*messageData](cfg.Window),
		bufferedPromises: make(map[cryptoutil.ProcID][]uint64),
		bufferedShares:   make(map[cryptoutil.ProcID][]taggedShare),
		runFast:          true,
	}
	for peer := range cfg.PromiseReceivers {
		c.bufferedPromises[peer] = nil
	}
	for peer := range cfg.ShareReceivers {
		c.bufferedShares[peer] = nil
	}
	return c
}

// ToggleFastPath enables or disables the promise (fast-path readiness)
// exchange.
func (c *Certifier) ToggleFastPath(on bool) { c.runFast = on }

// ToggleSlowPath enables or disables the share (transferable
// certificate) exchange.
func (c *Certifier) ToggleSlowPath(on bool) { c.runSlow = on }

// Acknowledge records that this replica endorses value at index,
// notifies every peer with a promise (unless implicitPromise is set,
// e.g. because the peer will infer the promise from another message),
// and schedules this replica's own signature share to be computed in
// the background.
func (c *Certifier) Acknowledge(index uint64, value []byte, implicitPromise bool) error {
	if _, exists := c.msgs.Get(index); exists {
		return fmt.Errorf("certifier: index %d acknowledged twice: %w", index, ubfterr.ErrProtocol)
	}
	md := &messageData{
		index:         index,
		value:         append([]byte(nil), value...),
		hash:          commitmentHash(c.identifier, index, value),
		otherReplicas: c.otherReplicas,
		promised:      make(map[cryptoutil.ProcID]bool),
		shares:        make(map[cryptoutil.ProcID]Share),
	}
	c.msgs.Insert(index, md)

	if c.runFast && !implicitPromise {
		for peer, sender := range c.promiseSenders {
			slot, err := sender.GetSlot(8)
			if err != nil {
				return fmt.Errorf("certifier: send promise to %d: %w", peer, err)
			}
			binary.LittleEndian.PutUint64(slot.Payload(), index)
			sender.Send()
		}
	}

	for peer, buffered := range c.bufferedPromises {
		rest := buffered
		for len(rest) > 0 && rest[0] <= index {
			if rest[0] == index {
				if md.promised[peer] {
					return errDup("peer %d promised index %d twice", peer, index)
				}
				md.promised[peer] = true
			}
			rest = rest[1:]
		}
		c.bufferedPromises[peer] = rest
	}

	for peer, buffered := range c.bufferedShares {
		rest := buffered
		for len(rest) > 0 && rest[0].index <= index {
			if rest[0].index == index {
				c.enqueueVerify(peer, rest[0].share, md)
			}
			rest = rest[1:]
		}
		c.bufferedShares[peer] = rest
	}

	tag := c.signTag
	c.signTag++
	idx := index
	h := md.hash
	if err := c.pool.Submit("certifier-sign", tag|idx<<20, func() (any, error) {
		return c.keys.Self.Sign(h[:]), nil
	}); err != nil {
		return fmt.Errorf("certifier: submit signing task for index %d: %w", idx, err)
	}
	return nil
}

// ReceivedImplicitPromise records a promise from peer for index that
// was implied by another message rather than sent explicitly. Unlike a
// wire-received promise, an implicit one for an index this replica
// hasn't acknowledged yet is simply dropped: the peer is expected to
// have derived it from a message this replica will also observe and
// acknowledge through the normal path.
func (c *Certifier) ReceivedImplicitPromise(from cryptoutil.ProcID, index uint64) error {
	md, ok := c.msgs.Get(index)
	if !ok {
		return nil
	}
	if md.promised[from] {
		return errDup("peer %d promised index %d twice", from, index)
	}
	md.promised[from] = true
	return nil
}

// PollPromise returns the next index, in order, for which every peer
// has promised — fast-path readiness.
func (c *Certifier) PollPromise() (uint64, bool) {
	if oldest, ok := c.msgs.Oldest(); ok && c.nextPromise < oldest {
		c.nextPromise = oldest
	}
	md, ok := c.msgs.Get(c.nextPromise)
	if !ok || !md.pollablePromise() {
		return 0, false
	}
	idx := c.nextPromise
	c.nextPromise++
	return idx, true
}

// PollCertificate returns the next index, in order, for which f+1
// signature shares have been gathered, bundled as a Certificate.
func (c *Certifier) PollCertificate() (Certificate, bool) {
	if oldest, ok := c.msgs.Oldest(); ok && c.nextCertificate < oldest {
		c.nextCertificate = oldest
	}
	md, ok := c.msgs.Get(c.nextCertificate)
	if !ok || !md.pollableCertificate() {
		return Certificate{}, false
	}
	cert := md.buildCertificate(c.identifier)
	c.nextCertificate++
	return cert, true
}

// Check verifies cert: the identifier matches, the share count is
// exactly quorum, every signer is distinct, and every signature
// verifies against the deterministic commitment hash — except shares
// this replica already verified while gathering its own certificate
// for the same index and value, which are trusted without re-hashing.
func (c *Certifier) Check(cert Certificate) bool {
	if cert.Identifier != c.identifier {
		return false
	}
	quorum := (c.otherReplicas+1)/2 + 1
	if cert.NbShares() != quorum {
		return false
	}
	seen := make(map[cryptoutil.ProcID]bool, len(cert.Shares))
	for _, s := range cert.Shares {
		if seen[s.Signer] {
			return false
		}
		seen[s.Signer] = true
	}

	var hash [cryptoutil.HashSize]byte
	hashed := false
	for _, s := range cert.Shares {
		if c.alreadyVerified(cert.Index, cert.Message, s.Signer, s.Signature) {
			continue
		}
		if !hashed {
			hash = commitmentHash(c.identifier, cert.Index, cert.Message)
			hashed = true
		}
		if s.Signer == c.self {
			if !ed25519.Verify(c.keys.Self.Public, hash[:], s.Signature) {
				return false
			}
			continue
		}
		if !c.keys.Verify(s.Signer, hash[:], s.Signature) {
			return false
		}
	}
	return true
}

func (c *Certifier) alreadyVerified(index uint64, message []byte, signer cryptoutil.ProcID, sig []byte) bool {
	md, ok := c.msgs.Get(index)
	if !ok || !bytesEqual(md.value, message) {
		return false
	}
	s, ok := md.shares[signer]
	if !ok {
		return false
	}
	return bytesEqual(s.Signature, sig)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ForgetMessages prunes all acknowledged state up to and including
// upTo.
func (c *Certifier) ForgetMessages(upTo uint64) {
	c.msgs.Forget(upTo)
}

// Tick drives the fast promise exchange every call and the slow share
// exchange every slowPathPeriod calls, matching the original's
// throttled slow path.
func (c *Certifier) Tick() error {
	if c.runFast {
		if err := c.pollPromises(); err != nil {
			return err
		}
		for peer, sender := range c.promiseSenders {
			if err := sender.Tick(); err != nil {
				return fmt.Errorf("certifier: tick promise sender to %d: %w", peer, err)
			}
		}
	}
	if !c.runSlow {
		return nil
	}
	c.ticks++
	if c.ticks%slowPathPeriod != 0 {
		return nil
	}
	if err := c.pollShares(); err != nil {
		return err
	}
	for peer, sender := range c.shareSenders {
		if err := sender.Tick(); err != nil {
			return fmt.Errorf("certifier: tick share sender to %d: %w", peer, err)
		}
	}
	return c.drainPool()
}

func (c *Certifier) pollPromises() error {
	buf := make([]byte, 8)
	for peer, recv := range c.promiseReceivers {
		n, ok, err := recv.Poll(buf)
		if err != nil {
			return fmt.Errorf("certifier: poll promise from %d: %w", peer, err)
		}
		if !ok {
			continue
		}
		if n != 8 {
			return fmt.Errorf("certifier: malformed promise from %d: %w", peer, ubfterr.ErrByzantine)
		}
		index := binary.LittleEndian.Uint64(buf)
		md, found := c.msgs.Get(index)
		if !found {
			c.bufferedPromises[peer] = append(c.bufferedPromises[peer], index)
			if len(c.bufferedPromises[peer]) > int(c.window) {
				c.bufferedPromises[peer] = c.bufferedPromises[peer][1:]
			}
			continue
		}
		if md.promised[peer] {
			return errDup("peer %d promised index %d twice", peer, index)
		}
		md.promised[peer] = true
	}
	return nil
}

func (c *Certifier) pollShares() error {
	buf := make([]byte, 8+256)
	for peer, recv := range c.shareReceivers {
		n, ok, err := recv.Poll(buf)
		if err != nil {
			return fmt.Errorf("certifier: poll share from %d: %w", peer, err)
		}
		if !ok {
			continue
		}
		if n < 8 {
			return fmt.Errorf("certifier: malformed share from %d: %w", peer, ubfterr.ErrByzantine)
		}
		index := binary.LittleEndian.Uint64(buf[0:8])
		sig := append([]byte(nil), buf[8:n]...)
		share := Share{Signer: peer, Signature: sig}

		md, found := c.msgs.Get(index)
		if !found {
			c.bufferedShares[peer] = append(c.bufferedShares[peer], taggedShare{index: index, share: share})
			if len(c.bufferedShares[peer]) > int(c.window) {
				c.bufferedShares[peer] = c.bufferedShares[peer][1:]
			}
			continue
		}
		c.enqueueVerify(peer, share, md)
	}
	return nil
}

func (c *Certifier) enqueueVerify(peer cryptoutil.ProcID, share Share, md *messageData) {
	tag := c.verifyTag
	c.verifyTag++
	hash := md.hash
	sig := share.Signature
	if err := c.pool.Submit("certifier-verify", tag, func() (any, error) {
		ok := c.keys.Verify(peer, hash[:], sig)
		return verifiedShare{index: md.index, peer: peer, share: share, ok: ok}, nil
	}); err != nil {
		// Feature queue saturated: drop this verification attempt. The
		// share is not re-queued, so the certificate for this index forms
		// only if quorum is reached through other shares; this mirrors the
		// original's bounded per-replica verification queue.
		return
	}
}

type verifiedShare struct {
	index uint64
	peer  cryptoutil.ProcID
	share Share
	ok    bool
}

// drainPool routes one combined Pool.Drain() call to the right
// handler by feature; the pool has a single completion channel shared
// by every feature, so draining it twice per tick would silently
// discard whichever feature's results were pulled by the first call.
func (c *Certifier) drainPool() error {
	for _, res := range c.pool.Drain() {
		switch res.Feature {
		case "certifier-sign":
			if err := c.handleComputedShare(res); err != nil {
				return err
			}
		case "certifier-verify":
			c.handleVerifiedShare(res)
		}
	}
	return nil
}

func (c *Certifier) handleComputedShare(res workpool.Result) error {
	if res.Err != nil {
		return nil
	}
	index := res.Tag >> 20
	sig := res.Value.([]byte)
	md, ok := c.msgs.Get(index)
	if !ok {
		return nil // index already forgotten; the share is no longer useful
	}
	if _, exists := md.shares[c.self]; exists {
		return nil
	}
	md.shares[c.self] = Share{Signer: c.self, Signature: sig}

	for peer, sender := range c.shareSenders {
		slot, err := sender.GetSlot(8 + len(sig))
		if err != nil {
			return fmt.Errorf("certifier: forward share to %d: %w", peer, err)
		}
		buf := slot.Payload()
		binary.LittleEndian.PutUint64(buf[0:8], index)
		copy(buf[8:], sig)
		sender.Send()
	}
	return nil
}

func (c *Certifier) handleVerifiedShare(res workpool.Result) {
	v := res.Value.(verifiedShare)
	if !v.ok {
		return
	}
	md, ok := c.msgs.Get(v.index)
	if !ok {
		return
	}
	if _, dup := md.shares[v.peer]; dup {
		return
	}
	md.shares[v.peer] = v.share
}
