package mqttbridge

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// commandRateLimiter tracks inbound command rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path, guarding the
// kernel's single in-flight request slot from a misbehaving or
// malicious MQTT publisher.
type commandRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newCommandRateLimiter creates a rate limiter that allows limit
// commands per interval. Exceeding the limit causes commands to be
// dropped until the next interval reset.
func newCommandRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *commandRateLimiter {
	return &commandRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the command counter
// and logs a warning if any commands were dropped.
func (r *commandRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the command counter and returns true if the
// current count is within the limit. If over the limit it increments
// the dropped counter and returns false.
func (r *commandRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
