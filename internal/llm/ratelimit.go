package llm

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttle paces outgoing API calls for one client instance. It is safe for
// concurrent use; separate clients hold separate throttles and never block
// each other.
type Throttle struct {
	limiter *rate.Limiter

	waits    atomic.Int64
	waitedNs atomic.Int64
}

// NewThrottle allows at most qps calls per second with no burst beyond one.
// A non-positive qps disables pacing.
func NewThrottle(qps float64) *Throttle {
	limit := rate.Inf
	if qps > 0 {
		limit = rate.Limit(qps)
	}
	return &Throttle{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the next call may start or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	t.waits.Add(1)
	t.waitedNs.Add(int64(time.Since(start)))
	return nil
}

// Limit returns the configured calls per second (rate.Inf when unpaced).
func (t *Throttle) Limit() rate.Limit {
	return t.limiter.Limit()
}

// Stats returns pacing statistics.
func (t *Throttle) Stats() ThrottleStats {
	return ThrottleStats{
		Calls:  int(t.waits.Load()),
		Waited: time.Duration(t.waitedNs.Load()),
	}
}

// ThrottleStats contains pacing statistics.
type ThrottleStats struct {
	Calls  int
	Waited time.Duration
}
