package runlock

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"golang-reconciliation-service/pkg/logger"
)

func TestNoopLocker(t *testing.T) {
	var locker Locker = NoopLocker{}

	first, err := locker.Acquire(context.Background(), "prod|101", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := locker.Acquire(context.Background(), "prod|101", time.Minute); err != nil {
		t.Errorf("expected noop locker to grant the same key twice, got %v", err)
	}
	if err := first.Release(context.Background()); err != nil {
		t.Errorf("unexpected release error: %v", err)
	}
}

func TestRedisLockerUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	locker := NewRedisLocker(client, logger.Discard())
	_, err := locker.Acquire(context.Background(), "prod|101", time.Minute)
	if err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
	if errors.Is(err, ErrLocked) {
		t.Errorf("expected a connection error, got %v", err)
	}
}

// TestRedisLockerContention runs against a real server when REDIS_ADDR is set.
func TestRedisLockerContention(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	locker := NewRedisLockerFromAddr(addr, "", 0, logger.Discard())
	defer locker.Close()

	key := "test|" + uuid.NewString()

	lock, err := locker.Acquire(ctx, key, 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := locker.Acquire(ctx, key, 10*time.Second); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	if err := lock.Release(ctx); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner on second release, got %v", err)
	}

	again, err := locker.Acquire(ctx, key, 10*time.Second)
	if err != nil {
		t.Fatalf("expected lock to be free after release, got %v", err)
	}
	_ = again.Release(ctx)
}

func TestKeeperRenewsUntilLost(t *testing.T) {
	var calls atomic.Int32
	k := startKeeper(5*time.Millisecond, func(context.Context) (bool, error) {
		return calls.Add(1) < 3, nil
	}, logger.Discard())

	select {
	case <-k.lost:
	case <-time.After(2 * time.Second):
		t.Fatal("expected lost to be closed once the refresh reports the lock gone")
	}
	k.stop()

	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 refresh calls, got %d", got)
	}
}

func TestKeeperSurvivesRefreshErrors(t *testing.T) {
	var calls atomic.Int32
	k := startKeeper(5*time.Millisecond, func(context.Context) (bool, error) {
		if calls.Add(1) == 1 {
			return false, errors.New("connection reset")
		}
		return true, nil
	}, logger.Discard())

	time.Sleep(50 * time.Millisecond)
	k.stop()

	select {
	case <-k.lost:
		t.Error("expected a refresh error not to mark the lock lost")
	default:
	}
	if got := calls.Load(); got < 2 {
		t.Errorf("expected refresh to continue after an error, got %d calls", got)
	}

	stopped := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != stopped {
		t.Errorf("expected no refresh after stop, got %d more", got-stopped)
	}
}

// TestRedisLockerOutlivesTTL runs against a real server when REDIS_ADDR is set.
func TestRedisLockerOutlivesTTL(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	locker := NewRedisLockerFromAddr(addr, "", 0, logger.Discard())
	defer locker.Close()

	key := "test|" + uuid.NewString()
	lock, err := locker.Acquire(ctx, key, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(time.Second)

	if _, err := locker.Acquire(ctx, key, 300*time.Millisecond); !errors.Is(err, ErrLocked) {
		t.Errorf("expected the renewed lock to still be held, got %v", err)
	}
	select {
	case <-lock.Lost():
		t.Error("expected the lock not to be lost")
	default:
	}
	if err := lock.Release(ctx); err != nil {
		t.Errorf("unexpected release error: %v", err)
	}
}

func TestNoopLockNeverLost(t *testing.T) {
	lock, _ := NoopLocker{}.Acquire(context.Background(), "prod|101", time.Minute)
	select {
	case <-lock.Lost():
		t.Error("expected a noop lock never to be lost")
	default:
	}
}
