// Package dispatch resolves a logical service name to a healthy endpoint
// via service discovery and forwards the request through a resilience
// envelope applied outer-to-inner: bulkhead (per-service concurrency
// isolation), circuit breaker (fail fast on sustained failure), rate
// limiter (throttle to downstream capacity), retry (bounded, exponential
// backoff, idempotent methods and retryable statuses only).
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/worldline-go/klient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/rakunlabs/at/internal/config"
)

var tracer = otel.Tracer("gateway/dispatch")

// ErrServiceUnavailable is returned when discovery resolves zero healthy
// endpoints for a service.
var ErrServiceUnavailable = errors.New("dispatch: service unavailable")

// Resolver resolves a service name to one healthy endpoint, load-balanced
// by the caller's chosen strategy (round-robin by default).
type Resolver interface {
	ResolveOne(ctx context.Context, name string) (string, error)
}

var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
}

func retryableStatus(code int) bool {
	return code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// perService bundles one downstream service's resilience primitives.
type perService struct {
	bulkhead *semaphore.Weighted
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
}

// Dispatcher forwards requests to named downstream services.
type Dispatcher struct {
	resolver Resolver
	client   *klient.Client
	cfg      config.Dispatch

	mu       sync.Mutex
	services map[string]*perService
}

// New constructs a Dispatcher.
func New(resolver Resolver, cfg config.Dispatch) (*Dispatcher, error) {
	c, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithLogger(slog.Default()),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch: build client: %w", err)
	}

	return &Dispatcher{
		resolver: resolver,
		client:   c,
		cfg:      cfg,
		services: make(map[string]*perService),
	}, nil
}

func (d *Dispatcher) serviceFor(name string) *perService {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ps, ok := d.services[name]; ok {
		return ps
	}

	ps := &perService{
		bulkhead: semaphore.NewWeighted(int64(d.cfg.BulkheadMaxConcurrent)),
		limiter:  rate.NewLimiter(rate.Limit(d.cfg.RateLimitRPS), d.cfg.RateLimitBurst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: d.cfg.BreakerMaxRequests,
			Interval:    d.cfg.BreakerInterval,
			Timeout:     d.cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Info("dispatch: circuit breaker state change", "service", name, "from", from, "to", to)
			},
		}),
	}

	d.services[name] = ps

	return ps
}

// Dispatch forwards req to serviceName's resolved endpoint through the
// full resilience envelope. The deadline on ctx should already be
// derived from the inbound request's deadline minus the administrative
// margin (see NewDownstreamContext).
func (d *Dispatcher) Dispatch(ctx context.Context, serviceName string, req *http.Request, body []byte) (*http.Response, error) {
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch",
		trace.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("http.method", req.Method),
		),
	)
	defer span.End()

	ps := d.serviceFor(serviceName)

	if err := ps.bulkhead.Acquire(ctx, 1); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("dispatch: bulkhead: %w", err)
	}
	defer ps.bulkhead.Release(1)

	result, err := ps.breaker.Execute(func() (any, error) {
		if err := ps.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		return d.retryingCall(ctx, serviceName, req, body)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp := result.(*http.Response)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	return resp, nil
}

// NewDownstreamContext derives a deadline for the downstream call from
// the inbound request's deadline, minus an administrative margin, so the
// gateway always has time to respond after the downstream call returns
// or times out.
func (d *Dispatcher) NewDownstreamContext(inbound context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := inbound.Deadline()
	if !ok {
		return context.WithCancel(inbound)
	}

	return context.WithDeadline(inbound, deadline.Add(-d.cfg.DeadlineMargin))
}

func (d *Dispatcher) retryingCall(ctx context.Context, serviceName string, req *http.Request, body []byte) (*http.Response, error) {
	attempts := 1
	if idempotentMethods[req.Method] {
		attempts = d.cfg.RetryMaxAttempts
		if attempts < 1 {
			attempts = 1
		}
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.cfg.RetryInitialInterval
	bo := backoff.WithMaxRetries(exp, uint64(attempts-1))

	var resp *http.Response

	op := func() error {
		endpoint, err := d.resolver.ResolveOne(ctx, serviceName)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrServiceUnavailable, err))
		}

		out, err := http.NewRequestWithContext(ctx, req.Method, endpoint+req.URL.Path, bytesReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("dispatch: build downstream request: %w", err))
		}
		out.URL.RawQuery = req.URL.RawQuery
		out.Header = req.Header.Clone()

		r, err := d.client.HTTP.Do(out)
		if err != nil {
			return fmt.Errorf("dispatch: downstream request failed: %w", err)
		}

		if r.StatusCode >= 500 && !retryableStatus(r.StatusCode) {
			resp = r
			return nil
		}
		if retryableStatus(r.StatusCode) {
			r.Body.Close()
			return fmt.Errorf("dispatch: retryable status %d", r.StatusCode)
		}

		resp = r
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}

	return resp, nil
}

func bytesReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}
