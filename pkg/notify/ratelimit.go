package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/visionspark/backend/pkg/entitlement"
)

const defaultMinInterval = 5 * time.Minute

// SendLimiter enforces a minimum interval between notifications sharing a
// key. The last-send record lives in Redis so the limit holds across serving
// instances and restarts.
type SendLimiter struct {
	client      *redis.Client
	minInterval time.Duration
	logger      entitlement.Logger
}

// NewSendLimiter creates a limiter. minInterval defaults to 5 minutes.
func NewSendLimiter(client *redis.Client, minInterval time.Duration, logger entitlement.Logger) (*SendLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return &SendLimiter{client: client, minInterval: minInterval, logger: logger}, nil
}

// Allow reports whether a notification for this severity/title pair may be
// sent now, recording the send instant when it may. Fails open: a Redis error
// must not silence a critical alert.
func (l *SendLimiter) Allow(ctx context.Context, severity, title string) bool {
	key := fmt.Sprintf("notify:last_send:%s:%s", severity, title)
	ok, err := l.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), l.minInterval).Result()
	if err != nil {
		l.logger.Warn("notification rate-limit check failed, sending anyway",
			entitlement.F("key", key), entitlement.F("error", err.Error()))
		return true
	}
	return ok
}
