package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/pos-terminal/internal/telemetry"
)

// Locker serializes terminal use for a method across processes.
type Locker interface {
	// Lock blocks until the lock for key is held or ctx is done.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is used when a single process owns the terminals. The registry's
// own per-method mutex already serializes it.
type LocalLocker struct{}

func (LocalLocker) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}

const (
	DefaultLockTTL  = 5 * time.Minute
	lockPollEvery   = 50 * time.Millisecond
	lockKeyTemplate = "terminal_lock:%s"
)

var ErrLockTimeout = errors.New("terminal lock not acquired")

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript renews the TTL only if this holder still owns the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker holds terminal_lock:<method> while a session owns the terminal.
// The key is renewed every RefreshEvery until unlocked, so a session waiting
// on the cardholder keeps it; TTL only bounds how long a crashed holder can
// block the terminal.
type RedisLocker struct {
	Client       *redis.Client
	TTL          time.Duration
	RefreshEvery time.Duration
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{Client: client, TTL: DefaultLockTTL}
}

func LockKey(methodID string) string {
	return fmt.Sprintf(lockKeyTemplate, methodID)
}

func (l *RedisLocker) Lock(ctx context.Context, methodID string) (func(), error) {
	key := LockKey(methodID)
	token := uuid.NewString()
	ttl := l.TTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	ticker := time.NewTicker(lockPollEvery)
	defer ticker.Stop()
	for {
		ok, err := l.Client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	refreshed := make(chan struct{})
	go l.keepAlive(key, token, ttl, stop, refreshed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-refreshed

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.Client, []string{key}, token).Err(); err != nil {
				telemetry.Logger.Warn("Failed to release terminal lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

func (l *RedisLocker) keepAlive(key, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	every := l.RefreshEvery
	if every <= 0 || every >= ttl {
		every = ttl / 3
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), every)
		held, err := extendScript.Run(ctx, l.Client, []string{key}, token, ttl.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil:
			// a later tick may still get through before the key expires
			telemetry.Logger.Warn("Failed to renew terminal lock", zap.String("key", key), zap.Error(err))
		case held == 0:
			telemetry.Logger.Error("Terminal lock lost", zap.String("key", key))
			return
		}
	}
}
