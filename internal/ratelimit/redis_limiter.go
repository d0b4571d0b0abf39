package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type redisLimiter struct {
	client *redis.Client
	prefix string
	max    int
	window time.Duration
	log    *logrus.Logger
}

// NewRedis returns a limiter backed by a shared Redis counter, so the
// limit holds across every backend instance behind the same Redis. The
// counter key expires with the window. When Redis is unreachable the
// limiter fails open; losing rate limiting briefly beats locking every
// cashier out.
func NewRedis(addr, password string, db int, prefix string, max int, window time.Duration, logger *logrus.Logger) (Limiter, error) {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit redis ping: %w", err)
	}

	return &redisLimiter{
		client: client,
		prefix: prefix,
		max:    max,
		window: window,
		log:    logger,
	}, nil
}

func (l *redisLimiter) Allow(ctx context.Context, key string) bool {
	counterKey := fmt.Sprintf("%s:%s", l.prefix, key)

	count, err := l.client.Incr(ctx, counterKey).Result()
	if err != nil {
		l.log.WithError(err).Warn("rate limit counter unavailable, allowing request")
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, counterKey, l.window).Err(); err != nil {
			l.log.WithError(err).Warn("failed to set rate limit expiry")
		}
	}
	return count <= int64(l.max)
}

func (l *redisLimiter) Close() error {
	return l.client.Close()
}
