package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyAPIKeyBucket = "creditledger:ratelimit:key:%s"
	keyRequestLock  = "creditledger:charge:lock:%s:%s"
	defaultLockTTL  = 10 * time.Second
)

// APIKeyLimiter throttles metered requests per API key and keeps one request id
// in flight at a time per user.
type APIKeyLimiter struct {
	enabled bool

	client *redis.Client
	bucket *TokenBucket
	locker *Locker

	rate    float64
	burst   int
	lockTTL time.Duration
}

type Params struct {
	fx.In

	Lc  fx.Lifecycle `optional:"true"`
	Cfg config.Config
	Log *zap.Logger
}

// NewAPIKeyLimiter returns nil when rate limiting is disabled; a nil limiter allows everything.
func NewAPIKeyLimiter(p Params) (*APIKeyLimiter, error) {
	limitCfg := p.Cfg.RateLimit
	if !limitCfg.Enabled {
		p.Log.Info("api key rate limiting disabled")
		return nil, nil
	}

	addr := strings.TrimSpace(p.Cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.KeyRate <= 0 || limitCfg.KeyBurst <= 0 {
		return nil, errors.New("api key rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(p.Cfg.RedisPassword),
		DB:       p.Cfg.RedisDB,
	})
	if p.Lc != nil {
		p.Lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}

	lockTTL := limitCfg.ConcurrencyTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}

	return &APIKeyLimiter{
		enabled: true,
		client:  client,
		bucket:  NewTokenBucket(client),
		locker:  NewLocker(client),
		rate:    limitCfg.KeyRate,
		burst:   limitCfg.KeyBurst,
		lockTTL: lockTTL,
	}, nil
}

func (l *APIKeyLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *APIKeyLimiter) AllowKey(ctx context.Context, keyID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyAPIKeyBucket, strings.TrimSpace(keyID)), l.rate, l.burst)
}

// TryLockRequest claims a user's request id while it is being charged.
func (l *APIKeyLimiter) TryLockRequest(ctx context.Context, userID, requestID string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, requestLockKey(userID, requestID), l.lockTTL)
}

func (l *APIKeyLimiter) ReleaseRequest(ctx context.Context, userID, requestID, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, requestLockKey(userID, requestID), token)
}

func requestLockKey(userID, requestID string) string {
	return fmt.Sprintf(keyRequestLock, strings.TrimSpace(userID), strings.TrimSpace(requestID))
}
