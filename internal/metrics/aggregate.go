package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rakunlabs/at/internal/sharedstore"
)

// aggregatorScanBatch is the SCAN page size used by every read handler —
// small enough to keep each cursor page cheap, unlike the CCU sampler's
// coarser pass over online:* keys.
const aggregatorScanBatch = 100

// Aggregator answers dashboard queries by scanning and multi-getting
// shared-store keys written by Collector and Reporter. Every handler is
// bounded to at most one SCAN and one multi-get round trip (plus, for
// realtime, the EMA read already folded into the multi-get).
type Aggregator struct {
	store sharedstore.Store
}

// NewAggregator constructs an Aggregator.
func NewAggregator(store sharedstore.Store) *Aggregator {
	return &Aggregator{store: store}
}

// RealtimeDTO is the /api/v1/dashboard/realtime payload.
type RealtimeDTO struct {
	ConcurrentUsers int64   `json:"concurrentUsers"`
	RequestsPerSec  float64 `json:"requestsPerSecond"`
	RequestCount    int64   `json:"requestCount"`
	ErrorCount      int64   `json:"errorCount"`
	ErrorRate       float64 `json:"errorRate"`
	LatencyAvgMs    float64 `json:"latencyAvgMs"`
}

// Realtime counts online:* keys and multi-gets the rolling counters.
func (a *Aggregator) Realtime(ctx context.Context) (RealtimeDTO, error) {
	ccu := 0
	if err := a.store.Scan(ctx, "online:*", aggregatorScanBatch, func(string) error {
		ccu++
		return nil
	}); err != nil {
		return RealtimeDTO{}, fmt.Errorf("aggregator: realtime ccu scan: %w", err)
	}

	vals, err := a.store.MGet(ctx, "dashboard:rps", "dashboard:latency:avg", "dashboard:error:count", "dashboard:request:count")
	if err != nil {
		return RealtimeDTO{}, fmt.Errorf("aggregator: realtime mget: %w", err)
	}

	rps := parseFloat(vals[0])
	latencyAvg := parseFloat(vals[1])
	errCount := int64(parseFloat(vals[2]))
	reqCount := int64(parseFloat(vals[3]))

	errorRate := 0.0
	if reqCount > 0 {
		errorRate = float64(errCount) / float64(reqCount)
	}

	return RealtimeDTO{
		ConcurrentUsers: int64(ccu),
		RequestsPerSec:  rps,
		RequestCount:    reqCount,
		ErrorCount:      errCount,
		ErrorRate:       errorRate,
		LatencyAvgMs:    latencyAvg,
	}, nil
}

// Services scans every dashboard:service:{name}:health key and parses the
// JSON snapshot written by Reporter.
func (a *Aggregator) Services(ctx context.Context) ([]serviceHealth, error) {
	keys, err := a.scanKeys(ctx, "dashboard:service:*:health")
	if err != nil {
		return nil, fmt.Errorf("aggregator: services scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := a.store.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("aggregator: services mget: %w", err)
	}

	out := make([]serviceHealth, 0, len(vals))
	for _, v := range vals {
		h, ok := decodeJSON[serviceHealth](v)
		if !ok {
			continue
		}
		out = append(out, h)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// TrafficPointDTO is one five-minute bucket in the traffic history.
type TrafficPointDTO struct {
	BucketMs int64 `json:"bucketMs"`
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
}

const trafficBuckets = 288 // 24h of 5-minute buckets

// Traffic enumerates the last 24h of 5-minute buckets in a single
// multi-get and emits only buckets with nonzero activity.
func (a *Aggregator) Traffic(ctx context.Context) ([]TrafficPointDTO, error) {
	now := currentBucket()

	keys := make([]string, 0, trafficBuckets*2)
	buckets := make([]int64, 0, trafficBuckets)
	for i := trafficBuckets - 1; i >= 0; i-- {
		b := now - int64(i)*bucketWindow.Milliseconds()
		buckets = append(buckets, b)
		keys = append(keys, bucketKey(b, "requests"), bucketKey(b, "errors"))
	}

	vals, err := a.store.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("aggregator: traffic mget: %w", err)
	}

	out := make([]TrafficPointDTO, 0, trafficBuckets)
	for i, b := range buckets {
		reqs := int64(parseFloat(vals[2*i]))
		errs := int64(parseFloat(vals[2*i+1]))
		if reqs == 0 && errs == 0 {
			continue
		}
		out = append(out, TrafficPointDTO{BucketMs: b, Requests: reqs, Errors: errs})
	}

	return out, nil
}

// LatencyDTO approximates percentile latency from a single EMA reading —
// a documented placeholder until real quantile sketches are wired in.
type LatencyDTO struct {
	Service string  `json:"service"`
	P50     float64 `json:"p50Ms"`
	P95     float64 `json:"p95Ms"`
	P99     float64 `json:"p99Ms"`
}

// Latency scans every service's latency EMA plus the gateway's own.
func (a *Aggregator) Latency(ctx context.Context) ([]LatencyDTO, error) {
	keys, err := a.scanKeys(ctx, "dashboard:service:*:latency")
	if err != nil {
		return nil, fmt.Errorf("aggregator: latency scan: %w", err)
	}

	names := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		names = append(names, serviceNameFromKey(k, "latency"))
	}
	names = append(names, "gateway")
	keys = append(keys, "dashboard:latency:avg")

	vals, err := a.store.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("aggregator: latency mget: %w", err)
	}

	out := make([]LatencyDTO, 0, len(names))
	for i, name := range names {
		avg := parseFloat(vals[i])
		if avg == 0 {
			continue
		}
		out = append(out, LatencyDTO{Service: name, P50: avg, P95: avg * 1.5, P99: avg * 2})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })

	return out, nil
}

// Database scans every dashboard:service:{name}:db snapshot.
func (a *Aggregator) Database(ctx context.Context) ([]serviceDB, error) {
	keys, err := a.scanKeys(ctx, "dashboard:service:*:db")
	if err != nil {
		return nil, fmt.Errorf("aggregator: database scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := a.store.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("aggregator: database mget: %w", err)
	}

	out := make([]serviceDB, 0, len(vals))
	for _, v := range vals {
		db, ok := decodeJSON[serviceDB](v)
		if !ok {
			continue
		}
		out = append(out, db)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName < out[j].ServiceName })

	return out, nil
}

// RedisStatsDTO summarizes the shared store's own health via INFO.
type RedisStatsDTO struct {
	ConnectedClients int64   `json:"connectedClients"`
	UsedMemoryBytes  int64   `json:"usedMemoryBytes"`
	MaxMemoryBytes   int64   `json:"maxMemoryBytes"`
	KeyspaceHits     int64   `json:"keyspaceHits"`
	KeyspaceMisses   int64   `json:"keyspaceMisses"`
	HitRate          float64 `json:"hitRate"`
	EvictedKeys      int64   `json:"evictedKeys"`
	OpsPerSec        int64   `json:"opsPerSecond"`
}

// Redis issues INFO against the shared store and parses the fields the
// dashboard cares about.
func (a *Aggregator) Redis(ctx context.Context) (RedisStatsDTO, error) {
	raw, err := a.store.Info(ctx, "")
	if err != nil {
		return RedisStatsDTO{}, fmt.Errorf("aggregator: redis info: %w", err)
	}

	fields := parseRedisInfo(raw)

	hits := fields["keyspace_hits"]
	misses := fields["keyspace_misses"]
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	return RedisStatsDTO{
		ConnectedClients: int64(fields["connected_clients"]),
		UsedMemoryBytes:  int64(fields["used_memory"]),
		MaxMemoryBytes:   int64(fields["maxmemory"]),
		KeyspaceHits:     int64(hits),
		KeyspaceMisses:   int64(misses),
		HitRate:          hitRate,
		EvictedKeys:      int64(fields["evicted_keys"]),
		OpsPerSec:        int64(fields["instantaneous_ops_per_sec"]),
	}, nil
}

// SlowEndpointDTO is one entry in the slow-endpoint histogram.
type SlowEndpointDTO struct {
	Method string  `json:"method"`
	Path   string  `json:"path"`
	AvgMs  float64 `json:"avgMs"`
	P95Ms  float64 `json:"p95Ms"`
	Calls  int64   `json:"calls"`
}

// SlowEndpoints scans the avg keys, reads the sibling p95/calls keys, and
// sorts the result by average latency descending.
func (a *Aggregator) SlowEndpoints(ctx context.Context) ([]SlowEndpointDTO, error) {
	avgKeys, err := a.scanKeys(ctx, "dashboard:slow:endpoint:*:avg")
	if err != nil {
		return nil, fmt.Errorf("aggregator: slow-endpoints scan: %w", err)
	}
	if len(avgKeys) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(avgKeys)*3)
	prefixes := make([]string, 0, len(avgKeys))
	for _, k := range avgKeys {
		prefix := strings.TrimSuffix(k, ":avg")
		prefixes = append(prefixes, prefix)
		keys = append(keys, prefix+":avg", prefix+":p95", prefix+":calls")
	}

	vals, err := a.store.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("aggregator: slow-endpoints mget: %w", err)
	}

	out := make([]SlowEndpointDTO, 0, len(prefixes))
	for i, prefix := range prefixes {
		method, path := parseSlowEndpointPrefix(prefix)
		out = append(out, SlowEndpointDTO{
			Method: method,
			Path:   path,
			AvgMs:  parseFloat(vals[3*i]),
			P95Ms:  parseFloat(vals[3*i+1]),
			Calls:  int64(parseFloat(vals[3*i+2])),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AvgMs > out[j].AvgMs })

	return out, nil
}

func (a *Aggregator) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := a.store.Scan(ctx, pattern, aggregatorScanBatch, func(key string) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

func decodeJSON[T any](v any) (T, bool) {
	var zero T

	s, ok := v.(string)
	if !ok || s == "" {
		return zero, false
	}

	var out T
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return zero, false
	}

	return out, true
}

func serviceNameFromKey(key, suffix string) string {
	trimmed := strings.TrimPrefix(key, "dashboard:service:")
	return strings.TrimSuffix(trimmed, ":"+suffix)
}

// parseSlowEndpointPrefix reverses slowEndpointPrefix's format string.
func parseSlowEndpointPrefix(prefix string) (method, path string) {
	rest := strings.TrimPrefix(prefix, "dashboard:slow:endpoint:")
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return rest, ""
	}
	return parts[0], parts[1]
}

func parseRedisInfo(raw string) map[string]float64 {
	fields := make(map[string]float64)

	for _, line := range strings.Split(raw, "\r\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		if f, err := strconv.ParseFloat(parts[1], 64); err == nil {
			fields[parts[0]] = f
		}
	}

	return fields
}
