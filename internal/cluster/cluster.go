// Package cluster provides distributed coordination for multiple gateway
// instances using the alan UDP peer discovery library. It wraps alan to
// broadcast an immediate policy-reload signal to every peer when an admin
// triggers a config reload; each peer then re-reads its configuration
// source and applies the new policy. Nothing else watches the source, so
// a changed value reaches a running instance only through such a reload.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rakunlabs/alan"
)

// msgTypeReloadPolicy identifies a policy-reload broadcast message.
const msgTypeReloadPolicy = "reload-policy"

// clusterMessage is the JSON envelope for messages sent between peers.
type clusterMessage struct {
	Type string `json:"type"`
}

// Cluster wraps an alan instance with gateway-specific distributed
// coordination: a policy-reload broadcast to every peer.
type Cluster struct {
	alan *alan.Alan
}

// New creates a Cluster from the server's alan configuration.
// Returns nil, nil if cfg is nil (clustering disabled).
func New(cfg *alan.Config) (*Cluster, error) {
	if cfg == nil {
		return nil, nil
	}

	a, err := alan.New(*cfg)
	if err != nil {
		return nil, fmt.Errorf("create alan instance: %w", err)
	}

	return &Cluster{alan: a}, nil
}

// Start begins the alan peer discovery system in the background. onReload
// is invoked when this instance receives a policy-reload broadcast from
// another peer. Start blocks until the context is cancelled; run it in a
// goroutine.
func (c *Cluster) Start(ctx context.Context, onReload func()) error {
	c.alan.OnPeerJoin(func(addr *net.UDPAddr) {
		slog.Info("cluster peer joined", "addr", addr.String())
	})

	c.alan.OnPeerLeave(func(addr *net.UDPAddr) {
		slog.Info("cluster peer left", "addr", addr.String())
	})

	handler := func(_ context.Context, msg alan.Message) {
		var cm clusterMessage
		if err := json.Unmarshal(msg.Data, &cm); err != nil {
			slog.Warn("cluster: invalid message", "from", msg.Addr, "error", err)
			return
		}

		switch cm.Type {
		case msgTypeReloadPolicy:
			slog.Info("cluster: received policy reload from peer", "from", msg.Addr)

			if onReload != nil {
				onReload()
			}

			if msg.IsRequest() {
				c.alan.Reply(msg, []byte("ok")) //nolint:errcheck
			}

		default:
			slog.Debug("cluster: unknown message type", "type", cm.Type, "from", msg.Addr)
		}
	}

	return c.alan.Start(ctx, handler)
}

// Stop gracefully leaves the cluster.
func (c *Cluster) Stop() error {
	return c.alan.Stop()
}

// BroadcastPolicyReload tells every peer to re-read its hot-reloadable
// policy (dashboard.security.allowed-roles) immediately; peers do not
// otherwise notice a changed configuration source.
func (c *Cluster) BroadcastPolicyReload(ctx context.Context) error {
	peers := c.alan.Peers()
	if len(peers) == 0 {
		slog.Info("cluster: no peers to broadcast policy reload to")
		return nil
	}

	data, err := json.Marshal(clusterMessage{Type: msgTypeReloadPolicy})
	if err != nil {
		return fmt.Errorf("marshal cluster message: %w", err)
	}

	broadcastCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	replies, err := c.alan.SendAndWaitReply(broadcastCtx, data)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("broadcast policy reload: %w", err)
	}

	slog.Info("cluster: policy reload broadcast complete", "peers", len(peers), "acks", len(replies))

	if len(replies) < len(peers) {
		slog.Warn("cluster: not all peers acknowledged policy reload", "expected", len(peers), "received", len(replies))
	}

	return nil
}

// Ready returns a channel that is closed when the cluster is ready.
func (c *Cluster) Ready() <-chan struct{} {
	return c.alan.Ready()
}
