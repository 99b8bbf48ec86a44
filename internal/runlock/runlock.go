// Package runlock serializes reconciliation runs that target the same remote
// account. Two sagas rewriting the same journal entries at once would race,
// so a run holds a lock for its whole duration. A held Redis lock is renewed
// every third of its TTL; when renewal finds the key gone or owned by someone
// else, Lost is closed and the holder must stop.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"golang-reconciliation-service/pkg/logger"
)

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = errors.New("lock already held by another run")

// ErrNotOwner is returned when the lock expired or changed hands.
var ErrNotOwner = errors.New("lock not owned by this token")

const keyPrefix = "ledger-reconciler:lock:"

// Locker acquires named locks.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock is a held lock.
type Lock interface {
	// Lost is closed once the lock is known to be gone. It may be nil for
	// locks that cannot be lost.
	Lost() <-chan struct{}
	Release(ctx context.Context) error
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// extendScript resets the expiry only when the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisLocker implements Locker with SET NX and a compare-and-delete release.
type RedisLocker struct {
	client redis.UniversalClient
	logger logger.Logger
}

func NewRedisLocker(client redis.UniversalClient, log logger.Logger) *RedisLocker {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &RedisLocker{client: client, logger: log.WithComponent("runlock")}
}

// NewRedisLockerFromAddr connects to a single Redis node.
func NewRedisLockerFromAddr(addr, password string, db int, log logger.Logger) *RedisLocker {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLocker(client, log)
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	l.logger.WithFields(logger.Fields{
		"key": key,
		"ttl": ttl.String(),
	}).Debug("lock acquired")

	lock := &redisLock{locker: l, key: redisKey, token: token, ttl: ttl}
	lock.keeper = startKeeper(ttl/3, lock.extend, l.logger.WithField("key", key))
	return lock, nil
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

type redisLock struct {
	locker *RedisLocker
	key    string
	token  string
	ttl    time.Duration
	keeper *keeper
}

func (r *redisLock) Lost() <-chan struct{} {
	return r.keeper.lost
}

func (r *redisLock) extend(ctx context.Context) (bool, error) {
	extended, err := extendScript.Run(ctx, r.locker.client, []string{r.key}, r.token, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return extended == 1, nil
}

func (r *redisLock) Release(ctx context.Context) error {
	r.keeper.stop()
	released, err := releaseScript.Run(ctx, r.locker.client, []string{r.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if released == 0 {
		return ErrNotOwner
	}
	r.locker.logger.WithField("key", r.key).Debug("lock released")
	return nil
}

// NoopLocker grants every lock. Serialization is then left to whoever
// schedules the runs.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string, time.Duration) (Lock, error) {
	return noopLock{}, nil
}

type noopLock struct{}

func (noopLock) Lost() <-chan struct{} { return nil }

func (noopLock) Release(context.Context) error { return nil }

// keeper calls refresh every interval until stopped. A refresh reporting the
// lock as no longer held closes lost and ends the loop. Refresh errors are
// logged and retried on the next tick.
type keeper struct {
	lost     chan struct{}
	done     chan struct{}
	halt     chan struct{}
	stopOnce sync.Once
}

func startKeeper(interval time.Duration, refresh func(context.Context) (bool, error), log logger.Logger) *keeper {
	if interval <= 0 {
		interval = time.Millisecond
	}
	k := &keeper{
		lost: make(chan struct{}),
		done: make(chan struct{}),
		halt: make(chan struct{}),
	}
	go k.run(interval, refresh, log)
	return k
}

func (k *keeper) run(interval time.Duration, refresh func(context.Context) (bool, error), log logger.Logger) {
	defer close(k.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.halt:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			held, err := refresh(ctx)
			cancel()
			if err != nil {
				log.WithError(err).Warn("could not extend lock")
				continue
			}
			if !held {
				log.Error("lock lost before the run finished")
				close(k.lost)
				return
			}
		}
	}
}

// stop ends the refresh loop and waits for it to exit.
func (k *keeper) stop() {
	k.stopOnce.Do(func() { close(k.halt) })
	<-k.done
}
