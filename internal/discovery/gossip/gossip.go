// Package gossip implements discovery.Backend over github.com/rakunlabs/alan's
// UDP peer discovery: adapted from the teacher's cluster.go distributed-lock
// wrapper, repurposed here to propagate service endpoint announcements
// instead of encryption-key rotations. Used when discovery.backend is
// "gossip" — a Consul-free deployment where peers self-announce.
package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rakunlabs/alan"
)

const msgTypeAnnounce = "service-announce"

type announceMessage struct {
	Type     string `json:"type"`
	Service  string `json:"service"`
	Endpoint string `json:"endpoint"`
}

// Backend tracks service endpoints announced by cluster peers.
type Backend struct {
	alan *alan.Alan

	mu        sync.RWMutex
	endpoints map[string]map[string]string // service -> peer addr -> endpoint
}

// New wraps an alan instance as a discovery.Backend.
func New(cfg alan.Config) (*Backend, error) {
	a, err := alan.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery/gossip: create alan instance: %w", err)
	}

	return &Backend{alan: a, endpoints: make(map[string]map[string]string)}, nil
}

// Start begins peer discovery in the background and must be run in a
// goroutine; it blocks until ctx is cancelled.
func (b *Backend) Start(ctx context.Context) error {
	b.alan.OnPeerLeave(func(addr *net.UDPAddr) {
		b.mu.Lock()
		defer b.mu.Unlock()
		for svc, peers := range b.endpoints {
			delete(peers, addr.String())
			if len(peers) == 0 {
				delete(b.endpoints, svc)
			}
		}
	})

	handler := func(_ context.Context, msg alan.Message) {
		var am announceMessage
		if err := json.Unmarshal(msg.Data, &am); err != nil {
			slog.Warn("discovery/gossip: invalid message", "from", msg.Addr, "error", err)
			return
		}
		if am.Type != msgTypeAnnounce {
			return
		}

		b.mu.Lock()
		if b.endpoints[am.Service] == nil {
			b.endpoints[am.Service] = make(map[string]string)
		}
		b.endpoints[am.Service][msg.Addr.String()] = am.Endpoint
		b.mu.Unlock()
	}

	return b.alan.Start(ctx, handler)
}

// Announce broadcasts this instance's endpoint for service to all peers.
// Fire-and-forget: replies (if any) are discarded, a timeout is not an
// error.
func (b *Backend) Announce(ctx context.Context, service, endpoint string) error {
	am := announceMessage{Type: msgTypeAnnounce, Service: service, Endpoint: endpoint}
	data, err := json.Marshal(am)
	if err != nil {
		return fmt.Errorf("discovery/gossip: marshal announce: %w", err)
	}

	announceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = b.alan.SendAndWaitReply(announceCtx, data)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("discovery/gossip: announce: %w", err)
	}

	return nil
}

// Resolve returns every endpoint currently known for name.
func (b *Backend) Resolve(_ context.Context, name string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	peers, ok := b.endpoints[name]
	if !ok {
		return nil, nil
	}

	out := make([]string, 0, len(peers))
	for _, endpoint := range peers {
		out = append(out, endpoint)
	}

	return out, nil
}

// Stop gracefully leaves the cluster.
func (b *Backend) Stop() error {
	return b.alan.Stop()
}
