package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rakunlabs/at/internal/sharedstore"
)

const ccuLockKey = "ccu:metrics:lock"

// ccuUnlockScript deletes the lease only if it still holds our holderID,
// so a SCAN that overruns the lease can never delete a successor
// instance's freshly acquired lock.
const ccuUnlockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
else
  return 0
end
`

// CCUSampler periodically counts the cardinality of online:{userId} keys
// behind a cluster-wide lease, so only one gateway instance pays the SCAN
// cost per window. The distributed lock is the only cluster-wide mutex
// in the system; lease < schedule interval guarantees no deadlock if the
// holder crashes.
type CCUSampler struct {
	store    sharedstore.Store
	interval time.Duration
	lease    time.Duration
	holderID string

	gauge atomic.Int64
}

// NewCCUSampler constructs a CCUSampler with its own random holder id,
// used as the lock value: unlock deletes the lease only while it still
// holds this id, and a crashed holder's lease expires on its own after
// the lease duration.
func NewCCUSampler(store sharedstore.Store, interval, lease time.Duration) *CCUSampler {
	return &CCUSampler{
		store:    store,
		interval: interval,
		lease:    lease,
		holderID: uuid.NewString(),
	}
}

// Run blocks, sampling every interval until ctx is cancelled.
func (c *CCUSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *CCUSampler) tick(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	acquired, err := c.store.SetNX(waitCtx, ccuLockKey, c.holderID, c.lease)
	if err != nil {
		slog.Warn("metrics: ccu lock attempt failed", "error", err)
		return
	}
	if !acquired {
		// Another instance holds the lease this cycle; skip without error.
		return
	}
	defer c.unlock(ctx)

	count := 0
	err = c.store.Scan(ctx, "online:*", 1000, func(key string) error {
		count++
		return nil
	})
	if err != nil {
		slog.Warn("metrics: ccu scan failed", "error", err)
		c.gauge.Store(0)
		return
	}

	c.gauge.Store(int64(count))
}

func (c *CCUSampler) unlock(ctx context.Context) {
	if _, err := c.store.Eval(ctx, ccuUnlockScript, []string{ccuLockKey}, c.holderID); err != nil {
		slog.Warn("metrics: ccu unlock failed", "error", err)
	}
}

// Value returns the last-sampled CCU count. It is not registered with any
// metrics exporter or served on any route.
func (c *CCUSampler) Value() int64 {
	return c.gauge.Load()
}
