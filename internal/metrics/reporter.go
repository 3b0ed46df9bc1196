package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rakunlabs/at/internal/sharedstore"
)

var memPercentGauge metric.Float64Gauge

func init() {
	m := otel.Meter("gateway/metrics")

	memPercentGauge, _ = m.Float64Gauge("process_mem_percent",
		metric.WithDescription("Allocated heap memory (MemStats.Alloc) as a percentage of the Go runtime's Sys"),
		metric.WithUnit("%"))
}

// serviceHealth is the JSON snapshot written by every service (gateway
// included) under dashboard:service:{name}:health.
type serviceHealth struct {
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	CPUPct   float64 `json:"cpuPercent"`
	MemPct   float64 `json:"memPercent"`
	UptimeS  int64   `json:"uptimeSeconds"`
	Requests int64   `json:"requests"`
	Errors   int64   `json:"errors"`
}

// serviceDB is the JSON snapshot written under dashboard:service:{name}:db
// by services that own a datasource. The gateway has none and omits this
// write entirely.
type serviceDB struct {
	ServiceName       string   `json:"serviceName"`
	Connections       int      `json:"connections"`
	MaxConnections    int      `json:"maxConnections"`
	ActiveConnections int      `json:"activeConnections"`
	IdleConnections   int      `json:"idleConnections"`
	PoolUsagePct      float64  `json:"poolUsagePercent"`
	ActiveQueries     *int     `json:"activeQueries,omitempty"`
	SlowQueries       *int     `json:"slowQueries,omitempty"`
	CacheHitRatePct   *float64 `json:"cacheHitRatePercent,omitempty"`
}

// DBStatsFunc reports a datasource snapshot for a service that owns one.
// Returning false means the service currently has no datasource reading
// available and the db key should not be written this cycle.
type DBStatsFunc func() (serviceDB, bool)

const reporterTTL = 30 * time.Second

// Reporter runs inside every service (the gateway and any downstream
// service that adopts this package) and periodically publishes its own
// health/db/latency snapshot to the shared store, keyed by service name.
// It is the write side of the dashboard's service-health/database/latency
// queries; MetricsAggregator is the read side.
type Reporter struct {
	store       sharedstore.Store
	serviceName string
	interval    time.Duration
	startedAt   time.Time
	dbStats     DBStatsFunc

	requests atomic.Int64
	errors   atomic.Int64

	latencyEMA atomic.Uint64 // math.Float64bits of the last EMA value
}

// NewReporter constructs a Reporter for serviceName. dbStats may be nil
// for services (like the gateway) with no datasource to report.
func NewReporter(store sharedstore.Store, serviceName string, interval time.Duration, dbStats DBStatsFunc) *Reporter {
	return &Reporter{
		store:       store,
		serviceName: serviceName,
		interval:    interval,
		startedAt:   time.Now(),
		dbStats:     dbStats,
	}
}

// ObserveRequest records one completed request for the health snapshot's
// request/error counters and the latency EMA, independent of
// MetricsCollector's own counters (this is the reporter's local view,
// scoped to one service instance, not the cluster-wide dashboard
// counters).
func (r *Reporter) ObserveRequest(isError bool, latency time.Duration) {
	r.requests.Add(1)
	if isError {
		r.errors.Add(1)
	}

	for {
		old := r.latencyEMA.Load()
		oldVal := math.Float64frombits(old)
		var next float64
		if old == 0 {
			next = float64(latency.Milliseconds())
		} else {
			next = emaAlpha*float64(latency.Milliseconds()) + (1-emaAlpha)*oldVal
		}
		if r.latencyEMA.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// Run blocks, publishing snapshots every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publish(ctx)
		}
	}
}

func (r *Reporter) publish(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memPct := memPercent(mem)

	health := serviceHealth{
		Name:     r.serviceName,
		Status:   "healthy",
		CPUPct:   0, // no portable per-process CPU sample without cgo; left at 0 rather than fabricated.
		MemPct:   memPct,
		UptimeS:  int64(time.Since(r.startedAt).Seconds()),
		Requests: r.requests.Load(),
		Errors:   r.errors.Load(),
	}

	if memPercentGauge != nil {
		memPercentGauge.Record(ctx, memPct, metric.WithAttributes(serviceAttr(r.serviceName)))
	}

	if err := r.writeJSON(ctx, healthKey(r.serviceName), health); err != nil {
		slog.Warn("metrics: reporter health write failed", "service", r.serviceName, "error", err)
	}

	if r.dbStats != nil {
		if db, ok := r.dbStats(); ok {
			db.ServiceName = r.serviceName
			if err := r.writeJSON(ctx, dbKey(r.serviceName), db); err != nil {
				slog.Warn("metrics: reporter db write failed", "service", r.serviceName, "error", err)
			}
		}
	}

	ema := math.Float64frombits(r.latencyEMA.Load())
	if err := r.store.Set(ctx, latencyKey(r.serviceName), formatFloat(ema), reporterTTL); err != nil {
		slog.Warn("metrics: reporter latency write failed", "service", r.serviceName, "error", err)
	}
}

func (r *Reporter) writeJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	return r.store.Set(ctx, key, string(b), reporterTTL)
}

func serviceAttr(service string) attribute.KeyValue {
	return attribute.String("service", service)
}

func memPercent(mem runtime.MemStats) float64 {
	if mem.Sys == 0 {
		return 0
	}
	return float64(mem.Alloc) / float64(mem.Sys) * 100
}

func healthKey(service string) string {
	return fmt.Sprintf("dashboard:service:%s:health", service)
}

func dbKey(service string) string {
	return fmt.Sprintf("dashboard:service:%s:db", service)
}

func latencyKey(service string) string {
	return fmt.Sprintf("dashboard:service:%s:latency", service)
}
