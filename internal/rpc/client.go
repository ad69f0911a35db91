package rpc

import (
	"bytes"
	"fmt"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/p2p"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// ClientConfig wires one client's connection to every server.
type ClientConfig struct {
	Self    cryptoutil.ProcID
	Servers []cryptoutil.ProcID
	F       int // tolerated faults; quorum is F+1 identical responses

	RequestOut map[cryptoutil.ProcID]*p2p.Sender   // keyed by server id
	ResponseIn map[cryptoutil.ProcID]*p2p.Receiver // keyed by server id

	Keys *cryptoutil.KeyPair // signs the slow-path copy, nil if unused
}

type pendingCall struct {
	canonical []byte
	servers   map[cryptoutil.ProcID]bool
	done      bool
}

// Client is the RPC client of spec.md §4.6: one connection per server,
// a monotonic per-client request id, and an f+1-identical-response
// quorum before a call is considered answered.
type Client struct {
	self       cryptoutil.ProcID
	servers    []cryptoutil.ProcID
	quorum     int
	requestOut map[cryptoutil.ProcID]*p2p.Sender
	responseIn map[cryptoutil.ProcID]*p2p.Receiver
	keys       *cryptoutil.KeyPair

	nextID  uint64
	pending map[uint64]*pendingCall
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{
		self:       cfg.Self,
		servers:    cfg.Servers,
		quorum:     cfg.F + 1,
		requestOut: cfg.RequestOut,
		responseIn: cfg.ResponseIn,
		keys:       cfg.Keys,
		pending:    make(map[uint64]*pendingCall),
	}
}

// Submit sends payload to every server under a fresh monotonic request
// id, signing it too when the client holds a keypair, and returns the
// id the caller later polls with PollResult.
func (c *Client) Submit(payload []byte) (uint64, error) {
	id := c.nextID
	c.nextID++

	req := Request{Client: c.self, ID: id, Payload: payload}
	if c.keys != nil {
		req.Signature = c.keys.Sign(signedCommitment(req.Client, req.ID, req.Payload))
	}
	encoded := encodeRequest(req)
	c.pending[id] = &pendingCall{servers: make(map[cryptoutil.ProcID]bool)}
	for server, sender := range c.requestOut {
		if err := sendSlot(sender, encoded); err != nil {
			return id, fmt.Errorf("rpc: submit to server %d: %w", server, err)
		}
	}
	return id, nil
}

// Tick drains every server's response stream and advances each
// pending call's quorum. A disagreement between two servers' replies
// to the same request is a fatal protocol error: once consensus has
// decided a request, every correct replica's execution must agree.
func (c *Client) Tick() error {
	for server, sender := range c.requestOut {
		if err := sender.Tick(); err != nil {
			return fmt.Errorf("rpc: request sender to %d tick: %w", server, err)
		}
	}
	buf := make([]byte, 64*1024)
	for server, recv := range c.responseIn {
		if err := recv.Tick(); err != nil {
			return fmt.Errorf("rpc: response receiver from %d tick: %w", server, err)
		}
		for {
			n, ok, err := recv.Poll(buf)
			if err != nil {
				return fmt.Errorf("rpc: poll response from %d: %w", server, err)
			}
			if !ok {
				break
			}
			resp, err := decodeResponse(buf[:n])
			if err != nil {
				return err
			}
			if err := c.observeResponse(server, resp); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) observeResponse(server cryptoutil.ProcID, resp Response) error {
	call, ok := c.pending[resp.ID]
	if !ok || call.done {
		return nil
	}
	if call.servers[server] {
		return nil
	}
	call.servers[server] = true
	if call.canonical == nil {
		call.canonical = resp.Payload
	} else if !bytes.Equal(call.canonical, resp.Payload) {
		return fmt.Errorf("rpc: server %d returned a reply to request %d that disagrees with a prior reply: %w", server, resp.ID, ubfterr.ErrProtocol)
	}
	if len(call.servers) >= c.quorum {
		call.done = true
	}
	return nil
}

// PollResult returns the quorum-agreed response to id once f+1 servers
// have replied identically.
func (c *Client) PollResult(id uint64) ([]byte, bool) {
	call, ok := c.pending[id]
	if !ok || !call.done {
		return nil, false
	}
	return call.canonical, true
}
