package eventbus

import (
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time snapshot of bus activity.
type Metrics struct {
	Published          int64         `json:"published"`
	Processed          int64         `json:"processed"`
	Failed             int64         `json:"failed"`
	Retried            int64         `json:"retried"`
	DeadLettered       int64         `json:"deadLettered"`
	Expired            int64         `json:"expired"`
	Replayed           int64         `json:"replayed"`
	DispatchQueueDepth int           `json:"dispatchQueueDepth"`
	RetryQueueDepth    int           `json:"retryQueueDepth"`
	DeadLetterCount    int           `json:"deadLetterCount"`
	Handlers           int           `json:"handlers"`
	Subscriptions      int           `json:"subscriptions"`
	AvgDispatchLatency time.Duration `json:"avgDispatchLatency"`
}

// counters aggregates bus activity with atomic updates on the hot path.
type counters struct {
	published    atomic.Int64
	processed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	expired      atomic.Int64
	replayed     atomic.Int64

	// dispatchNanos accumulates handler invocation latency for the
	// processed events counted above.
	dispatchNanos atomic.Int64
}

func (c *counters) observeDispatch(d time.Duration) {
	c.processed.Add(1)
	c.dispatchNanos.Add(int64(d))
}

func (c *counters) avgDispatchLatency() time.Duration {
	n := c.processed.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(c.dispatchNanos.Load() / n)
}
