// Package metrics implements the gateway's fire-and-forget telemetry
// pipeline (MetricsCollector), the dashboard read-path aggregator
// (MetricsAggregator), the per-service background reporter
// (MetricsReporter), and the distributed CCU sampler.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/at/internal/sharedstore"
)

// emaAlpha is the exponential-moving-average smoothing factor applied to
// latency tracking.
const emaAlpha = 0.2

// bucketWindow is the traffic-history bucket width.
const bucketWindow = 5 * time.Minute

// emaScript atomically reads the current EMA value (if any), blends in
// the new sample, writes it back with four decimals (the same format as
// formatFloat), and refreshes the TTL in one round trip — the
// read-modify-write MetricsCollector.Record can't express as a plain
// pipeline.
const emaScript = `
local cur = redis.call('GET', KEYS[1])
local alpha = tonumber(ARGV[1])
local sample = tonumber(ARGV[2])
local newval
if cur then
  newval = alpha * sample + (1 - alpha) * tonumber(cur)
else
  newval = sample
end
local out = string.format('%.4f', newval)
redis.call('SET', KEYS[1], out)
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return out
`

// Collector records per-request outcomes asynchronously. Record must
// never block the caller on store latency — the request path depends on
// this; metrics-collection failures are always swallowed.
type Collector struct {
	store                   sharedstore.Store
	slowEndpointThresholdMs int
}

// NewCollector constructs a Collector.
func NewCollector(store sharedstore.Store, slowEndpointThresholdMs int) *Collector {
	return &Collector{store: store, slowEndpointThresholdMs: slowEndpointThresholdMs}
}

// Record dispatches the full accounting for one completed request in a
// background goroutine and returns immediately — the fire-and-forget
// property required by the request-path state machine.
func (c *Collector) Record(method, path string, status int, latency time.Duration) {
	go c.record(context.Background(), method, path, status, latency)
}

func (c *Collector) record(ctx context.Context, method, path string, status int, latency time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("metrics: record panicked, swallowing", "panic", r)
		}
	}()

	isError := status >= 400

	if err := c.pipelinedCounters(ctx, isError); err != nil {
		slog.Warn("metrics: pipelined counters failed", "error", err)
	}

	if _, err := c.updateEMA(ctx, "dashboard:latency:avg", float64(latency.Milliseconds()), 0); err != nil {
		slog.Warn("metrics: latency EMA update failed", "error", err)
	}

	if latency.Milliseconds() > int64(c.slowEndpointThresholdMs) {
		c.recordSlowEndpoint(ctx, method, path, latency)
	}
}

func (c *Collector) pipelinedCounters(ctx context.Context, isError bool) error {
	bucket := currentBucket()

	if _, err := c.store.Incr(ctx, "dashboard:rps", 2*time.Second); err != nil {
		return fmt.Errorf("rps: %w", err)
	}
	if _, err := c.store.Incr(ctx, "dashboard:request:count", 0); err != nil {
		return fmt.Errorf("request count: %w", err)
	}
	if _, err := c.store.Incr(ctx, bucketKey(bucket, "requests"), 24*time.Hour); err != nil {
		return fmt.Errorf("traffic bucket: %w", err)
	}

	if isError {
		if _, err := c.store.Incr(ctx, "dashboard:error:count", 0); err != nil {
			return fmt.Errorf("error count: %w", err)
		}
		if _, err := c.store.Incr(ctx, bucketKey(bucket, "errors"), 24*time.Hour); err != nil {
			return fmt.Errorf("traffic bucket errors: %w", err)
		}
	}

	return nil
}

func (c *Collector) recordSlowEndpoint(ctx context.Context, method, path string, latency time.Duration) {
	prefix := slowEndpointPrefix(method, path)
	ttl := time.Hour

	avg, err := c.updateEMA(ctx, prefix+":avg", float64(latency.Milliseconds()), ttl)
	if err != nil {
		slog.Warn("metrics: slow-endpoint EMA update failed", "error", err)
		return
	}

	// TODO: replace with a real quantile sketch (e.g. t-digest); p95 here
	// is synthesized from the mean, same approximation as Aggregator.Latency.
	if err := c.store.Set(ctx, prefix+":p95", formatFloat(avg*1.5), ttl); err != nil {
		slog.Warn("metrics: slow-endpoint p95 write failed", "error", err)
	}

	if _, err := c.store.Incr(ctx, prefix+":calls", ttl); err != nil {
		slog.Warn("metrics: slow-endpoint calls increment failed", "error", err)
	}
}

func (c *Collector) updateEMA(ctx context.Context, key string, sample float64, ttl time.Duration) (float64, error) {
	result, err := c.store.Eval(ctx, emaScript, []string{key}, emaAlpha, sample, int(ttl.Seconds()))
	if err != nil {
		return 0, err
	}

	return parseFloat(result), nil
}

func currentBucket() int64 {
	ms := time.Now().UnixMilli()
	windowMs := bucketWindow.Milliseconds()
	return (ms / windowMs) * windowMs
}

func bucketKey(bucket int64, suffix string) string {
	return fmt.Sprintf("dashboard:traffic:history:%d:%s", bucket, suffix)
}

func slowEndpointPrefix(method, path string) string {
	return fmt.Sprintf("dashboard:slow:endpoint:%s:%s", method, path)
}

// StatusClass classifies an HTTP status code for logging.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return "ok"
	}
}
