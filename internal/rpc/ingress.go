package rpc

import (
	"bytes"
	"fmt"

	"github.com/LPD-EPFL/ubft-sub000/internal/cryptoutil"
	"github.com/LPD-EPFL/ubft-sub000/internal/tailmap"
	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// clientIngress is the per-client half of ClientRequestIngress
// (spec.md §4.6): the bounded window of requests this server has
// accepted from one client, the leader-side echo tally per request,
// and whether each request's slow-path signature has been confirmed.
type clientIngress struct {
	nextExpected uint64
	window       *tailmap.TailMap[Request]
	echoed       map[uint64]map[cryptoutil.ProcID]bool
	signed       map[uint64]bool
}

func newClientIngress(window uint64) *clientIngress {
	return &clientIngress{
		window: tailmap.New[Request](window),
		echoed: make(map[uint64]map[cryptoutil.ProcID]bool),
		signed: make(map[uint64]bool),
	}
}

// accept records req once per id: a repeat of an identical request is
// a silent no-op (ok=false, no error); a repeat with different content
// at an id already in the window is equivocation.
func (c *clientIngress) accept(req Request) (accepted bool, err error) {
	if existing, ok := c.window.Get(req.ID); ok {
		if !bytes.Equal(existing.Payload, req.Payload) {
			return false, fmt.Errorf("rpc: client %d equivocated on request %d: %w", req.Client, req.ID, ubfterr.ErrByzantine)
		}
		return false, nil
	}
	c.window.Insert(req.ID, req)
	if req.ID >= c.nextExpected {
		c.nextExpected = req.ID + 1
	}
	return true, nil
}

// recordEcho registers that follower saw the same request digest this
// server holds at id, returning true the first time every follower in
// total has echoed it (fast-path proposable).
func (c *clientIngress) recordEcho(follower cryptoutil.ProcID, id uint64, totalFollowers int) bool {
	set, ok := c.echoed[id]
	if !ok {
		set = make(map[cryptoutil.ProcID]bool)
		c.echoed[id] = set
	}
	if set[follower] {
		return false
	}
	set[follower] = true
	return len(set) == totalFollowers
}

func (c *clientIngress) markSigned(id uint64) { c.signed[id] = true }

func (c *clientIngress) isSigned(id uint64) bool { return c.signed[id] }
