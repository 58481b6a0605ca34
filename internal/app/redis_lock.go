package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedemptionLocker serializes concurrent redemption attempts for the same
// (code, phone) pair. Acquire returns false when another holder owns the key;
// Release is idempotent if the key already expired.
type RedemptionLocker interface {
	Acquire(ctx context.Context, code, phoneNumber string) (bool, error)
	Release(ctx context.Context, code, phoneNumber string) error
}

// RedisRedemptionLock implements the locker over a shared Redis instance with
// a set-if-absent marker. The TTL bounds staleness if a holder crashes before
// releasing.
type RedisRedemptionLock struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisRedemptionLock(client redis.UniversalClient, ttl time.Duration) *RedisRedemptionLock {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &RedisRedemptionLock{client: client, ttl: ttl}
}

func redemptionLockKey(code, phoneNumber string) string {
	return fmt.Sprintf("redemption:%s:%s", code, phoneNumber)
}

func (l *RedisRedemptionLock) Acquire(ctx context.Context, code, phoneNumber string) (bool, error) {
	return l.client.SetNX(ctx, redemptionLockKey(code, phoneNumber), "1", l.ttl).Result()
}

func (l *RedisRedemptionLock) Release(ctx context.Context, code, phoneNumber string) error {
	return l.client.Del(ctx, redemptionLockKey(code, phoneNumber)).Err()
}
