package keylock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

// releaseScript deletes the key only while it still carries our token, so an expired lock
// re-acquired by another instance is never released by the previous owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions tunes the Redis locker.
type RedisOptions struct {
	// Prefix is prepended to every key.
	Prefix string
	// TTL bounds how long a crashed owner can hold a key.
	TTL time.Duration
	// Wait is the longest Lock will poll for a single key.
	Wait time.Duration
	// RetryDelay is the initial poll interval; it doubles up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.Prefix == "" {
		o.Prefix = "clinic:lock:"
	}
	if o.TTL <= 0 {
		o.TTL = 10 * time.Second
	}
	if o.Wait <= 0 {
		o.Wait = 5 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 10 * time.Millisecond
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 200 * time.Millisecond
	}
	return o
}

// Redis is a Locker shared by every API instance pointing at the same Redis.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
	logger *logging.Logger
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client *redis.Client, opts RedisOptions, logger *logging.Logger) *Redis {
	if client == nil {
		panic("keylock: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Redis{client: client, opts: opts.withDefaults(), logger: logger}
}

// Lock acquires every key with SET NX PX, polling with backoff.
func (r *Redis) Lock(ctx context.Context, keys ...string) (Unlock, error) {
	keys = normalize(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			r.release(held[i], token)
		}
	}
	for _, key := range keys {
		if err := r.acquire(ctx, key, token); err != nil {
			releaseHeld()
			return nil, err
		}
		held = append(held, key)
	}
	return once(releaseHeld), nil
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(r.opts.Wait)
	delay := r.opts.RetryDelay
	for {
		ok, err := r.client.SetNX(ctx, r.opts.Prefix+key, token, r.opts.TTL).Result()
		if err != nil {
			return fmt.Errorf("keylock: redis setnx %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s: wait of %s exceeded", ErrNotAcquired, key, r.opts.Wait)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-timer.C:
		}
		if delay *= 2; delay > r.opts.MaxRetryDelay {
			delay = r.opts.MaxRetryDelay
		}
	}
}

// release runs detached from the caller's context so a cancelled request still frees its keys.
func (r *Redis) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{r.opts.Prefix + key}, token).Err(); err != nil {
		r.logger.Warn("keylock release failed", "key", key, "error", err)
	}
}
