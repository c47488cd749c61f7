// Package runlock guards the dispatch loop with a Redis lease so only one
// dialer instance is ever Running.
package runlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Lock is a single-holder lease backed by a Redis key.
type Lock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// New constructs a lock.
func New(client *redis.Client, key string, ttl time.Duration) *Lock {
	if key == "" {
		key = "outbound:dialer:run"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Lock{client: client, key: key, ttl: ttl, token: uuid.NewString()}
}

// Acquire attempts to take the lease. Returns false when another holder owns it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("run lock: acquire: %w", err)
	}
	return ok, nil
}

// Refresh extends the lease if this instance still holds it.
func (l *Lock) Refresh(ctx context.Context) error {
	script := redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
	res, err := script.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("run lock: refresh: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("run lock: lease lost")
	}
	return nil
}

// Release drops the lease if this instance holds it.
func (l *Lock) Release(ctx context.Context) error {
	script := redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
	if _, err := script.Run(ctx, l.client, []string{l.key}, l.token).Int(); err != nil {
		return fmt.Errorf("run lock: release: %w", err)
	}
	return nil
}
