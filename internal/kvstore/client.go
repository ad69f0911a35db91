package kvstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a bootstrap Server over HTTP, mirroring the
// quorum-store replicator's own client style (bounded-timeout
// http.Client, context-scoped requests) without any of its
// replication logic: the bootstrap store has exactly one instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient dials the bootstrap store at addr (host:port).
func NewClient(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Put publishes value under key.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/kv/"+key, bytes.NewReader(value))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("kvstore: put %q: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("kvstore: put %q: server returned %d", key, resp.StatusCode)
	}
	return nil
}

// Get fetches the value stored under key. ok is false if the key has
// not been published yet.
func (c *Client) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/kv/"+key, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("kvstore: get %q: server returned %d", key, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: read %q: %w", key, err)
	}
	return body, true, nil
}

// descriptorKey is spec.md §6's deterministic naming scheme for a
// published queue-pair descriptor or signing key: "rpc-<id>-<peer>-<kind>".
func descriptorKey(self, peer int, kind string) string {
	return fmt.Sprintf("rpc-%d-%d-%s", self, peer, kind)
}

// PublishDescriptor publishes self's connection descriptor (or signing
// public key, kind="pubkey") for peer to read during connection setup.
func (c *Client) PublishDescriptor(ctx context.Context, self, peer int, kind string, value []byte) error {
	return c.Put(ctx, descriptorKey(self, peer, kind), value)
}

// FetchDescriptor polls for peer's descriptor for self, published via
// PublishDescriptor, until it appears or ctx is cancelled.
func (c *Client) FetchDescriptor(ctx context.Context, self, peer int, kind string, pollInterval time.Duration) ([]byte, error) {
	for {
		v, ok, err := c.Get(ctx, descriptorKey(peer, self, kind))
		if err != nil {
			return nil, err
		}
		if ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("kvstore: fetch descriptor %d->%d/%s: %w", peer, self, kind, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// barrierKey names one participant's arrival at a named barrier.
func barrierKey(name string, id int) string {
	return fmt.Sprintf("barrier-%s-%d", name, id)
}

// Barrier publishes self's arrival at the named barrier and blocks
// until every id in participants has arrived too, implementing the
// qp_announced / qp_connected / abstractions_initialized barriers of
// spec.md §6's bootstrap sequence.
func (c *Client) Barrier(ctx context.Context, name string, self int, participants []int, pollInterval time.Duration) error {
	if err := c.Put(ctx, barrierKey(name, self), []byte{1}); err != nil {
		return fmt.Errorf("kvstore: announce barrier %q: %w", name, err)
	}
	for _, id := range participants {
		for {
			_, ok, err := c.Get(ctx, barrierKey(name, id))
			if err != nil {
				return fmt.Errorf("kvstore: barrier %q wait for %d: %w", name, id, err)
			}
			if ok {
				break
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("kvstore: barrier %q wait for %d: %w", name, id, ctx.Err())
			case <-time.After(pollInterval):
			}
		}
	}
	return nil
}
