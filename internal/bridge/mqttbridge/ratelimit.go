package mqttbridge

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// messageRateLimiter drops inbound broker messages once the
// configured per-interval limit is exceeded, protecting the LoRa
// channel's far smaller airtime budget from an MQTT flood. Lock-free
// on the hot path. Grounded on the teacher's
// internal/mqtt/subscriber.go messageRateLimiter, unchanged except for
// the default limit (airtime, not an LLM API budget, is the scarce
// resource being protected here).
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &messageRateLimiter{limit: limit, interval: interval, logger: logger}
}

// start runs the periodic counter reset loop until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
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
				r.logger.Warn("mqttbridge inbound messages dropped by rate limit",
					"received", count, "dropped", dropped,
					"interval", r.interval.String(), "limit", r.limit)
			}
		}
	}
}

// allow increments the message counter and reports whether the
// current count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
