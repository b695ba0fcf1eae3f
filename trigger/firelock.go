package trigger

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/redis/go-redis/v9"
)

// FireLock admits at most one firing of an automation per civil minute
// across overlapping trigger passes.
type FireLock interface {
	Acquire(ctx context.Context, automationID string, minute civil.DateTime) (bool, error)
}

// RedisLock is a FireLock backed by SET NX with an expiry.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, ttl: ttl}
}

func fireKey(automationID string, minute civil.DateTime) string {
	return fmt.Sprintf("pillbox:fire:%s:%04d%02d%02d%02d%02d",
		automationID,
		minute.Date.Year, int(minute.Date.Month), minute.Date.Day,
		minute.Time.Hour, minute.Time.Minute)
}

func (l *RedisLock) Acquire(ctx context.Context, automationID string, minute civil.DateTime) (bool, error) {
	ok, err := l.client.SetNX(ctx, fireKey(automationID, minute), "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("while taking fire lock for automation %s: %w", automationID, err)
	}
	return ok, nil
}
