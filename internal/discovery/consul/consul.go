// Package consul implements discovery.Backend against a Consul agent's
// health-checked service catalog, the discovery backend used by
// internal/config's chu loader for configuration itself.
package consul

import (
	"context"
	"fmt"

	"github.com/hashicorp/consul/api"

	"github.com/rakunlabs/at/internal/config"
)

// Backend resolves service names via Consul's /health/service endpoint,
// returning only passing instances.
type Backend struct {
	client *api.Client
	scheme string
}

// New constructs a Backend from the gateway's Consul configuration.
func New(cfg *config.ConsulConfig) (*Backend, error) {
	apiCfg := api.DefaultConfig()
	if cfg != nil && cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg != nil && cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("discovery/consul: new client: %w", err)
	}

	return &Backend{client: client, scheme: "http"}, nil
}

// Resolve returns "scheme://address:port" for every passing instance of
// name.
func (b *Backend) Resolve(ctx context.Context, name string) ([]string, error) {
	entries, _, err := b.client.Health().Service(name, "", true, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discovery/consul: health service %s: %w", name, err)
	}

	endpoints := make([]string, 0, len(entries))
	for _, e := range entries {
		addr := e.Service.Address
		if addr == "" {
			addr = e.Node.Address
		}
		endpoints = append(endpoints, fmt.Sprintf("%s://%s:%d", b.scheme, addr, e.Service.Port))
	}

	return endpoints, nil
}
