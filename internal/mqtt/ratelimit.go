package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// messageRateLimiter caps inbound control messages per interval. It
// runs on the paho receive goroutine, so the hot path is lock-free.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter allows limit messages per interval. A limit of
// zero or less returns nil, which allows everything.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	if limit <= 0 {
		return nil
	}
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// logging a warning for any interval that dropped messages.
func (r *messageRateLimiter) start(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt control messages dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow reports whether another message fits in the current interval.
func (r *messageRateLimiter) allow() bool {
	if r == nil {
		return true
	}
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
