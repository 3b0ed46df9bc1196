package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/at/internal/sharedstore"
)

// Resolver resolves a logical service name to a single base URL to call.
// Implemented by internal/discovery.Resolver with round-robin selection;
// kept as a narrow interface here so authz doesn't depend on the
// discovery backend choice.
type Resolver interface {
	ResolveOne(ctx context.Context, name string) (string, error)
}

// IdentityService fetches roles and permissions over HTTP, resolved
// through service discovery, following the same
// "build URL, klient GET, decode JSON, typed error" shape as the
// teacher's model-discovery client.
type IdentityService struct {
	resolver    Resolver
	serviceName string
	client      *klient.Client
}

// NewIdentityService constructs an IdentityService client.
func NewIdentityService(resolver Resolver, serviceName string) (*IdentityService, error) {
	c, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithLogger(slog.Default()),
	)
	if err != nil {
		return nil, fmt.Errorf("authz: build identity client: %w", err)
	}

	return &IdentityService{resolver: resolver, serviceName: serviceName, client: c}, nil
}

// FetchRoles implements Fetcher for the role cache.
func (s *IdentityService) FetchRoles(ctx context.Context, userID string) (Set, error) {
	return s.fetchSet(ctx, "/internal/roles/keycloak/"+userID)
}

// FetchPermissions implements Fetcher for the permission cache.
func (s *IdentityService) FetchPermissions(ctx context.Context, userID string) (Set, error) {
	return s.fetchSet(ctx, "/internal/permissions/user/"+userID)
}

func (s *IdentityService) fetchSet(ctx context.Context, path string) (Set, error) {
	base, err := s.resolver.ResolveOne(ctx, s.serviceName)
	if err != nil {
		return nil, fmt.Errorf("authz: resolve %s: %w", s.serviceName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("authz: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authz: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("authz: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authz: identity service returned %d: %s", resp.StatusCode, string(body))
	}

	var values []string
	if err := json.Unmarshal(body, &values); err != nil {
		return nil, fmt.Errorf("authz: parse response: %w", err)
	}

	return NewSet(values), nil
}

// WatchInvalidations subscribes to the IdentityService's role/permission
// change-event channel and invalidates the matching cache entries.
// Invalidation is best-effort: if the subscription drops, L1 entries
// still expire on TTL.
func WatchInvalidations(ctx context.Context, store sharedstore.Store, channel string, roles, perms *Cache) {
	msgs, cancel := store.Subscribe(ctx, channel)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case userID, ok := <-msgs:
				if !ok {
					return
				}
				roles.Invalidate(ctx, userID)
				perms.Invalidate(ctx, userID)
			}
		}
	}()
}
