package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, time.Second, defaultBucketTTL(0, 10))
	assert.Equal(t, 4*time.Second, defaultBucketTTL(10, 20))
	assert.Equal(t, time.Second, defaultBucketTTL(1000, 1))
}

func TestRetryAfter(t *testing.T) {
	assert.Zero(t, retryAfter(true, 0, 10))
	assert.Equal(t, 100*time.Millisecond, retryAfter(false, 0, 10))
	assert.Equal(t, 50*time.Millisecond, retryAfter(false, 0.5, 10))
}

func TestCastHelpers(t *testing.T) {
	assert.Equal(t, int64(1), castToInt(int64(1)))
	assert.Equal(t, int64(2), castToInt(2.9))
	assert.Equal(t, 1.5, castToFloat("1.5"))
	assert.Equal(t, 3.0, castToFloat(int64(3)))
	assert.Zero(t, castToFloat("nope"))
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	limiter, err := NewAPIKeyLimiter(Params{Cfg: config.Config{}, Log: zap.NewNop()})
	require.NoError(t, err)
	assert.Nil(t, limiter)
	assert.False(t, limiter.Enabled())

	res, err := limiter.AllowKey(context.Background(), "key")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	token, ok, err := limiter.TryLockRequest(context.Background(), "user-1", "req-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, limiter.ReleaseRequest(context.Background(), "user-1", "req-1", token))
}

func TestEnabledLimiterRequiresRedis(t *testing.T) {
	_, err := NewAPIKeyLimiter(Params{
		Cfg: config.Config{RateLimit: config.RateLimitConfig{Enabled: true, KeyRate: 1, KeyBurst: 1}},
		Log: zap.NewNop(),
	})
	assert.Error(t, err)
}

func TestNilTokenBucketRejects(t *testing.T) {
	var bucket *TokenBucket
	res, err := bucket.Allow(context.Background(), "k", 1, 1)
	assert.Error(t, err)
	assert.False(t, res.Allowed)
}
