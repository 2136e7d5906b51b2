package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gitulabs/governor/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyRecordUser = "usage:record:user:%s"
	keyChargeLock = "usage:charge:lock:%s"
)

// RecordLimiter throttles ledger writes per user and hands out the
// distributed per-user charge lock. Disabled unless redis is
// configured; a nil limiter allows everything.
type RecordLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	userRate  float64
	userBurst int
	lockTTL   time.Duration
}

func NewRecordLimiter(cfg config.Config) (*RecordLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.UserRate <= 0 || limitCfg.UserBurst <= 0 {
		return nil, errors.New("record user rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &RecordLimiter{
		enabled:   true,
		bucket:    NewTokenBucket(client),
		locker:    NewLocker(client),
		userRate:  limitCfg.UserRate,
		userBurst: limitCfg.UserBurst,
		lockTTL:   time.Duration(limitCfg.ChargeLockTTLSeconds) * time.Second,
	}, nil
}

func (l *RecordLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *RecordLimiter) AllowUser(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyRecordUser, strings.TrimSpace(userID)), l.userRate, l.userBurst)
}

func (l *RecordLimiter) TryLockUser(ctx context.Context, userID string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keyChargeLock, strings.TrimSpace(userID)), l.lockTTL)
}

func (l *RecordLimiter) ReleaseUser(ctx context.Context, userID, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keyChargeLock, strings.TrimSpace(userID)), token)
}
