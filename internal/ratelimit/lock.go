package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Deletes the key only while it still holds the caller's token.
const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockNotConfigured = errors.New("lock_not_configured")
	ErrInvalidLockKey    = errors.New("invalid_lock_key")
	ErrInvalidLockTTL    = errors.New("invalid_lock_ttl")
	// ErrLockLost means the lock expired or changed hands before Release.
	ErrLockLost = errors.New("lock_lost")
)

// Locker is a single-key redis lock. Holders are identified by a random token.
type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

// TryLock does not wait. ok is false when another holder has the key.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	if l == nil || l.client == nil {
		return "", false, ErrLockNotConfigured
	}
	if key == "" {
		return "", false, ErrInvalidLockKey
	}
	if ttl <= 0 {
		return "", false, ErrInvalidLockTTL
	}

	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	deleted, err := l.script.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrLockLost
	}
	return nil
}
