// Package discovery resolves a logical service name to a set of healthy
// endpoints, pluggable between a Consul-backed resolver and a gossip
// (alan peer set) resolver. Health is maintained out of band by the
// backend; ResolveOne reports a resolution of zero endpoints as
// ErrUnavailable, which RouteDispatcher wraps as its own
// ErrServiceUnavailable.
package discovery

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrUnavailable is returned by ResolveOne when a service resolves to no
// healthy endpoints.
var ErrUnavailable = errors.New("discovery: service unavailable")

// Backend resolves a service name to its current healthy endpoint list.
type Backend interface {
	Resolve(ctx context.Context, name string) ([]string, error)
}

// Resolver wraps a Backend with round-robin endpoint selection, the
// default load-balancing strategy for RouteDispatcher and the
// IdentityService client.
type Resolver struct {
	backend Backend
	counter atomic.Uint64
}

// New wraps backend in a round-robin Resolver.
func New(backend Backend) *Resolver {
	return &Resolver{backend: backend}
}

// Resolve returns every currently-healthy endpoint for name.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]string, error) {
	return r.backend.Resolve(ctx, name)
}

// ResolveOne resolves name and selects one endpoint by round-robin. A
// resolution of zero endpoints is ErrUnavailable.
func (r *Resolver) ResolveOne(ctx context.Context, name string) (string, error) {
	endpoints, err := r.backend.Resolve(ctx, name)
	if err != nil {
		return "", err
	}
	if len(endpoints) == 0 {
		return "", ErrUnavailable
	}

	i := r.counter.Add(1)
	return endpoints[i%uint64(len(endpoints))], nil
}
