package rpc

import (
	"fmt"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/p2p"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
	"github.com/LPD-EPFL/ubft-sub000/internal/workpool"
)

const verifyFeature = "rpc-verify"

// ServerConfig wires one replica's RPC server: a request/response
// channel pair per client, and an echo/signed-forward mesh to every
// other replica. Echoes and leader-forwarded signed copies are sent to
// every peer rather than routed to the current leader specifically,
// so a view change never strands an in-flight request's fast or slow
// path; SetLeader toggles which half of the protocol this replica
// actively aggregates.
type ServerConfig struct {
	Self     cryptoutil.ProcID
	Replicas []cryptoutil.ProcID
	Window   uint64

	RequestIn  map[cryptoutil.ProcID]*p2p.Receiver // keyed by client id
	ResponseOut map[cryptoutil.ProcID]*p2p.Sender   // keyed by client id

	EchoOut map[cryptoutil.ProcID]*p2p.Sender   // keyed by peer replica id
	EchoIn  map[cryptoutil.ProcID]*p2p.Receiver // keyed by peer replica id

	SignedOut map[cryptoutil.ProcID]*p2p.Sender
	SignedIn  map[cryptoutil.ProcID]*p2p.Receiver

	Keys *cryptoutil.Facade
	Pool *workpool.Pool
}

// Server is one replica's RPC ingress and egress (spec.md §4.6).
type Server struct {
	self     cryptoutil.ProcID
	replicas []cryptoutil.ProcID
	window   uint64
	isLeader bool

	requestIn   map[cryptoutil.ProcID]*p2p.Receiver
	responseOut map[cryptoutil.ProcID]*p2p.Sender
	echoOut     map[cryptoutil.ProcID]*p2p.Sender
	echoIn      map[cryptoutil.ProcID]*p2p.Receiver
	signedOut   map[cryptoutil.ProcID]*p2p.Sender
	signedIn    map[cryptoutil.ProcID]*p2p.Receiver

	keys *cryptoutil.Facade
	pool *workpool.Pool

	clients map[cryptoutil.ProcID]*clientIngress

	received    []Request
	proposable  []Request
	proposed    map[requestKey]bool
	verifyTag   uint64
	pendingTags map[uint64]Request
}

type requestKey struct {
	client cryptoutil.ProcID
	id     uint64
}

// NewServer builds a Server starting as a follower; the coordinator
// calls SetLeader once it learns this replica's consensus leadership.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		self:        cfg.Self,
		replicas:    cfg.Replicas,
		window:      cfg.Window,
		requestIn:   cfg.RequestIn,
		responseOut: cfg.ResponseOut,
		echoOut:     cfg.EchoOut,
		echoIn:      cfg.EchoIn,
		signedOut:   cfg.SignedOut,
		signedIn:    cfg.SignedIn,
		keys:        cfg.Keys,
		pool:        cfg.Pool,
		clients:     make(map[cryptoutil.ProcID]*clientIngress),
		proposed:    make(map[requestKey]bool),
		pendingTags: make(map[uint64]Request),
	}
}

// SetLeader toggles whether this replica currently aggregates echoes
// and forwards verified signed requests, per its consensus leadership.
func (s *Server) SetLeader(leader bool) { s.isLeader = leader }

func (s *Server) ingressFor(client cryptoutil.ProcID) *clientIngress {
	c, ok := s.clients[client]
	if !ok {
		c = newClientIngress(s.window)
		s.clients[client] = c
	}
	return c
}

// totalFollowers is how many echoes the leader must see to call a
// request fast-path proposable: every other replica, matching
// certifier.go's otherReplicas convention.
func (s *Server) totalFollowers() int { return len(s.replicas) - 1 }

// Tick drains every inbound stream once: client requests, peer echoes,
// leader-forwarded signed requests, and background signature
// verifications.
func (s *Server) Tick() error {
	for client, recv := range s.requestIn {
		if err := recv.Tick(); err != nil {
			return fmt.Errorf("rpc: request stream from client %d: %w", client, err)
		}
		if err := s.drainRequests(client, recv); err != nil {
			return err
		}
	}
	for peer, sender := range s.echoOut {
		if err := sender.Tick(); err != nil {
			return fmt.Errorf("rpc: echo sender to %d: %w", peer, err)
		}
	}
	for peer, recv := range s.echoIn {
		if err := s.drainEchoes(peer, recv); err != nil {
			return err
		}
	}
	for peer, sender := range s.signedOut {
		if err := sender.Tick(); err != nil {
			return fmt.Errorf("rpc: signed-forward sender to %d: %w", peer, err)
		}
	}
	for peer, recv := range s.signedIn {
		if err := s.drainSigned(peer, recv); err != nil {
			return err
		}
	}
	for peer, sender := range s.responseOut {
		if err := sender.Tick(); err != nil {
			return fmt.Errorf("rpc: response sender to %d: %w", peer, err)
		}
	}
	return s.drainVerifications()
}

func (s *Server) drainRequests(client cryptoutil.ProcID, recv *p2p.Receiver) error {
	buf := make([]byte, 64*1024)
	for {
		n, ok, err := recv.Poll(buf)
		if err != nil {
			return fmt.Errorf("rpc: poll request from %d: %w", client, err)
		}
		if !ok {
			return nil
		}
		req, err := decodeRequest(buf[:n])
		if err != nil {
			return err
		}
		if err := s.observeRequest(req); err != nil {
			return err
		}
	}
}

// observeRequest is the shared accept path for a request this replica
// has just taken off the wire: it records it in the sender's ingress
// window, makes it pollable via poll_received, echoes its digest to
// every peer, and kicks off background signature verification if a
// signature is present.
func (s *Server) observeRequest(req Request) error {
	ci := s.ingressFor(req.Client)
	accepted, err := ci.accept(req)
	if err != nil {
		return err
	}
	if !accepted {
		return nil
	}
	s.received = append(s.received, req)

	digest := requestDigest(req)
	for peer, sender := range s.echoOut {
		if err := sendSlot(sender, encodeEcho(echoMessage{Client: req.Client, ID: req.ID, Digest: digest})); err != nil {
			return fmt.Errorf("rpc: echo to %d: %w", peer, err)
		}
	}
	if len(req.Signature) > 0 && s.keys != nil && s.pool != nil {
		tag := s.verifyTag
		s.verifyTag++
		s.pendingTags[tag] = req
		commitment := signedCommitment(req.Client, req.ID, req.Payload)
		sig := append([]byte(nil), req.Signature...)
		client := req.Client
		keys := s.keys
		if err := s.pool.Submit(verifyFeature, tag, func() (any, error) {
			if !keys.Verify(client, commitment, sig) {
				return nil, fmt.Errorf("rpc: signature verification failed for client %d request %d: %w", client, req.ID, ubfterr.ErrByzantine)
			}
			return nil, nil
		}); err != nil {
			delete(s.pendingTags, tag)
			return fmt.Errorf("rpc: submit verify for client %d request %d: %w", req.Client, req.ID, err)
		}
	}
	return nil
}

func (s *Server) drainVerifications() error {
	for _, r := range s.pool.Drain() {
		if r.Feature != verifyFeature {
			continue
		}
		req, ok := s.pendingTags[r.Tag]
		delete(s.pendingTags, r.Tag)
		if !ok || r.Err != nil {
			continue
		}
		ci := s.ingressFor(req.Client)
		ci.markSigned(req.ID)
		s.markProposableIfReady(req, ci)
		if s.isLeader {
			for peer, sender := range s.signedOut {
				if err := sendSlot(sender, encodeRequest(req)); err != nil {
					return fmt.Errorf("rpc: forward signed request to %d: %w", peer, err)
				}
			}
		}
	}
	return nil
}

func (s *Server) drainEchoes(peer cryptoutil.ProcID, recv *p2p.Receiver) error {
	buf := make([]byte, 256)
	for {
		n, ok, err := recv.Poll(buf)
		if err != nil {
			return fmt.Errorf("rpc: poll echo from %d: %w", peer, err)
		}
		if !ok {
			return nil
		}
		if !s.isLeader {
			continue
		}
		msg, err := decodeEcho(buf[:n])
		if err != nil {
			return err
		}
		ci := s.ingressFor(msg.Client)
		req, ok := ci.window.Get(msg.ID)
		if !ok || requestDigest(req) != msg.Digest {
			continue // our own copy hasn't arrived yet, or digest mismatch; wait
		}
		if ci.recordEcho(peer, msg.ID, s.totalFollowers()) {
			s.markProposableIfReady(req, ci)
		}
	}
}

func (s *Server) drainSigned(peer cryptoutil.ProcID, recv *p2p.Receiver) error {
	buf := make([]byte, 64*1024)
	for {
		n, ok, err := recv.Poll(buf)
		if err != nil {
			return fmt.Errorf("rpc: poll signed-forward from %d: %w", peer, err)
		}
		if !ok {
			return nil
		}
		req, err := decodeRequest(buf[:n])
		if err != nil {
			return err
		}
		ci := s.ingressFor(req.Client)
		if _, err := ci.accept(req); err != nil {
			return err
		}
		ci.markSigned(req.ID)
		s.markProposableIfReady(req, ci)
	}
}

func (s *Server) markProposableIfReady(req Request, ci *clientIngress) {
	key := requestKey{client: req.Client, id: req.ID}
	if s.proposed[key] {
		return
	}
	total := s.totalFollowers()
	echoed := len(ci.echoed[req.ID]) >= total && total > 0
	if echoed || ci.isSigned(req.ID) {
		s.proposed[key] = true
		s.proposable = append(s.proposable, req)
	}
}

// PollReceived yields the next request accepted into this replica's
// ingress, in arrival order, for the coordinator to feed into
// consensus's external-validity log.
func (s *Server) PollReceived() (Request, bool) {
	if len(s.received) == 0 {
		return Request{}, false
	}
	req := s.received[0]
	s.received = s.received[1:]
	return req, true
}

// PollProposable yields the next request whose fast-path echoes or
// slow-path signature make it ready to batch into a proposal; only
// meaningful while this replica considers itself leader.
func (s *Server) PollProposable() (Request, bool) {
	if len(s.proposable) == 0 {
		return Request{}, false
	}
	req := s.proposable[0]
	s.proposable = s.proposable[1:]
	return req, true
}

// Executed sends resp to client over its response stream.
func (s *Server) Executed(client cryptoutil.ProcID, requestID uint64, resp []byte) error {
	sender, ok := s.responseOut[client]
	if !ok {
		return fmt.Errorf("rpc: no response channel for client %d: %w", client, ubfterr.ErrProtocol)
	}
	return sendSlot(sender, encodeResponse(Response{Client: client, ID: requestID, Payload: resp}))
}

// Admitted implements consensus.RequestLog: batch is the concatenation
// of encoded requests this replica proposed, and a batch is admitted
// only if every request it contains was actually accepted into some
// client's ingress window.
func (s *Server) Admitted(batch []byte) bool {
	requests, err := decodeBatch(batch)
	if err != nil {
		return false
	}
	for _, req := range requests {
		ci, ok := s.clients[req.Client]
		if !ok {
			return false
		}
		stored, ok := ci.window.Get(req.ID)
		if !ok || !requestsEqual(stored, req) {
			return false
		}
	}
	return true
}

func requestsEqual(a, b Request) bool {
	if a.Client != b.Client || a.ID != b.ID || len(a.Payload) != len(b.Payload) {
		return false
	}
	for i := range a.Payload {
		if a.Payload[i] != b.Payload[i] {
			return false
		}
	}
	return true
}

func sendSlot(sender *p2p.Sender, data []byte) error {
	slot, err := sender.GetSlot(len(data))
	if err != nil {
		return err
	}
	copy(slot.Payload(), data)
	sender.Send()
	return nil
}
