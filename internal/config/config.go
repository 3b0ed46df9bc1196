package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

// Config is the root configuration tree for the gateway, loaded via chu
// from file + environment (AT_ prefix retained for operational continuity
// with the rest of the fleet) and optional Consul/Vault-backed values.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Session   Session   `cfg:"session"`
	Online    Online    `cfg:"online"`
	IdP       IdP       `cfg:"idp"`
	Authz     Authz     `cfg:"authz"`
	Dashboard Dashboard `cfg:"dashboard"`
	Metrics   Metrics   `cfg:"metrics"`
	Discovery Discovery `cfg:"discovery"`
	Dispatch  Dispatch  `cfg:"dispatch"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// Session configures session lifetime and the L1 access-token cache.
type Session struct {
	TTL time.Duration `cfg:"ttl" default:"24h"`
	L1  SessionL1     `cfg:"l1"`
}

type SessionL1 struct {
	TTL        time.Duration `cfg:"ttl" default:"60s"`
	MaxEntries int           `cfg:"max_entries" default:"100000"`
}

// Online configures the `online:{userId}` CCU marker TTL.
type Online struct {
	TTL time.Duration `cfg:"ttl" default:"3m"`
}

// IdP configures the upstream OIDC token endpoint.
type IdP struct {
	TokenURI        string        `cfg:"token_uri"`
	AuthorizationURI string       `cfg:"authorization_uri"`
	RevocationURI   string        `cfg:"revocation_uri"`
	ClientID        string        `cfg:"client_id"`
	ClientSecret    string        `cfg:"client_secret" log:"-"`
	RedirectURI     string        `cfg:"redirect_uri"`
	Scopes          []string      `cfg:"scopes" default:"[\"openid\",\"profile\",\"email\"]"`
	ConnectTimeout  time.Duration `cfg:"connect_timeout" default:"3s"`
	ReadTimeout     time.Duration `cfg:"read_timeout" default:"10s"`
	DefaultRedirect string        `cfg:"default_redirect" default:"/"`
}

// Authz configures the two-tier role/permission caches and the
// IdentityService discovery name.
type Authz struct {
	L1 struct {
		TTL        time.Duration `cfg:"ttl" default:"60s"`
		MaxEntries int           `cfg:"max_entries" default:"100000"`
	} `cfg:"l1"`
	L2 struct {
		TTL time.Duration `cfg:"ttl" default:"1h"`
	} `cfg:"l2"`
	IdentityService string `cfg:"identity_service" default:"identity-service"`
}

// Dashboard holds the hot-reloadable authorization policy guarding the
// dashboard surface. AllowedRoles is read through an atomic pointer by
// internal/authz so config reloads never race an in-flight decision.
type Dashboard struct {
	Security struct {
		AllowedRoles []string `cfg:"allowed-roles" default:"[\"ADMIN\"]"`
	} `cfg:"security"`
}

type Metrics struct {
	SlowEndpointThresholdMs int           `cfg:"slow_endpoint_threshold_ms" default:"500"`
	CCUScheduleInterval     time.Duration `cfg:"ccu_schedule_interval" default:"30s"`
	CCULockLease            time.Duration `cfg:"ccu_lock_lease" default:"25s"`
	ReporterInterval        time.Duration `cfg:"reporter_interval" default:"5s"`
}

// Discovery selects and configures the service-resolution backend used by
// RouteDispatcher: "consul" or "gossip" (alan peer set).
type Discovery struct {
	Backend string        `cfg:"backend" default:"consul"`
	Consul  *ConsulConfig `cfg:"consul"`
}

type ConsulConfig struct {
	Address string `cfg:"address" default:"127.0.0.1:8500"`
	Token   string `cfg:"token" log:"-"`
}

// Dispatch configures the resilience envelope applied around every
// downstream call: bulkhead, circuit breaker, rate limiter, retry.
type Dispatch struct {
	BulkheadMaxConcurrent int           `cfg:"bulkhead_max_concurrent" default:"64"`
	BreakerMaxRequests    uint32        `cfg:"breaker_max_requests" default:"5"`
	BreakerInterval       time.Duration `cfg:"breaker_interval" default:"60s"`
	BreakerTimeout        time.Duration `cfg:"breaker_timeout" default:"30s"`
	RateLimitRPS          float64       `cfg:"rate_limit_rps" default:"200"`
	RateLimitBurst        int           `cfg:"rate_limit_burst" default:"50"`
	RetryMaxAttempts      int           `cfg:"retry_max_attempts" default:"2"`
	RetryInitialInterval  time.Duration `cfg:"retry_initial_interval" default:"50ms"`
	DeadlineMargin        time.Duration `cfg:"deadline_margin" default:"200ms"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// AdminToken, if set, protects the /auth/admin/* endpoints with bearer
	// token authentication. If not set, admin endpoints are disabled
	// (403 Forbidden).
	AdminToken string `cfg:"admin_token" log:"-"`

	// CookieDomain is applied to the SESSION_ID and CSRF_TOKEN cookies.
	// Empty means host-only.
	CookieDomain string `cfg:"cookie_domain"`

	// Alan, if set, enables UDP gossip peer discovery, used by the
	// "gossip" discovery backend and by config broadcast on reload.
	Alan *alan.Config `cfg:"alan"`
}

// Store configures the shared cluster key-value store (Redis-compatible):
// the single persistence seam for sessions, authz cache entries, and
// metrics.
type Store struct {
	Addr     string `cfg:"addr" default:"127.0.0.1:6379"`
	Password string `cfg:"password" log:"-"`
	DB       int    `cfg:"db"`

	// PoolSize is sized to the worker pool depth plus headroom for async
	// pipelined metrics writes.
	PoolSize int `cfg:"pool_size" default:"100"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("AT_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	if cfg.IdP.TokenURI == "" {
		return nil, fmt.Errorf("idp.token_uri is required")
	}
	if cfg.IdP.ClientSecret == "" {
		return nil, fmt.Errorf("idp.client_secret is required")
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
