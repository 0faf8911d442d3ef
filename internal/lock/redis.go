package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	defaultTTL       = 30 * time.Minute
	defaultRetryWait = 200 * time.Millisecond
	keyPrefix        = "screening:lock:"
)

// Redis is a Locker backed by SET NX with a per-holder token. A held lock
// is refreshed every third of its TTL until released, so the TTL only
// bounds how long a crashed holder can block others.
type Redis struct {
	client    *redis.Client
	ttl       time.Duration
	retryWait time.Duration
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithTTL sets the lock expiry.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithRetryWait sets how long to wait between acquisition attempts.
func WithRetryWait(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.retryWait = d
		}
	}
}

// NewRedis returns a Redis-backed Locker.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, ttl: defaultTTL, retryWait: defaultRetryWait}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript resets the expiry only if the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// keepAlive refreshes the key's TTL until stop is closed or the token is
// gone.
func (r *Redis) keepAlive(stop <-chan struct{}, done chan<- struct{}, key, full, token string) {
	defer close(done)
	period := max(r.ttl/3, time.Millisecond)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), min(period, 5*time.Second))
		n, err := extendScript.Run(ctx, r.client, []string{full}, token, r.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			zap.L().Warn("lock: refresh failed", zap.String("key", key), zap.Error(err))
		case n == 0:
			zap.L().Warn("lock: lost before release", zap.String("key", key))
			return
		}
	}
}

func (r *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	full := keyPrefix + key
	token := uuid.New().String()

	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, eris.Wrapf(ErrNotAcquired, "key %s: %v", key, ctx.Err())
			}
			return nil, eris.Wrapf(err, "lock: acquire %s", key)
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go r.keepAlive(stop, done, key, full, token)

			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					// The caller's context may already be done.
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := releaseScript.Run(ctx, r.client, []string{full}, token).Err(); err != nil {
						zap.L().Warn("lock: release failed", zap.String("key", key), zap.Error(err))
					}
				})
			}, nil
		}

		timer := time.NewTimer(r.retryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, eris.Wrapf(ErrNotAcquired, "key %s: %v", key, ctx.Err())
		case <-timer.C:
		}
	}
}
