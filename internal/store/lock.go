package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LocalLocker serializes sections within one process. Keys share a single
// lock; the simulator only ever uses one.
type LocalLocker struct {
	sem chan struct{}
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sem: make(chan struct{}, 1)}
}

func (l *LocalLocker) Acquire(ctx context.Context, _ string, _ time.Duration) (func(), error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrLockHeld, ctx.Err())
	}
	var once sync.Once
	return func() { once.Do(func() { <-l.sem }) }, nil
}

// unlockLua deletes a lock key only if its value matches the caller's
// token, so one holder cannot release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker is a cross-process lock built on SETNX with a TTL and a
// Lua-based conditional unlock. Acquire polls until the lock is free, the
// context ends, or wait elapses.
type RedisLocker struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	prefix   string
	wait     time.Duration
	poll     time.Duration
}

// NewRedisLocker creates a RedisLocker. wait bounds how long Acquire retries
// before returning ErrLockHeld.
func NewRedisLocker(rdb *redis.Client, namespace string, wait time.Duration) *RedisLocker {
	if namespace == "" {
		namespace = "fxsim"
	}
	return &RedisLocker{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		prefix:   namespace + ":lock:",
		wait:     wait,
		poll:     25 * time.Millisecond,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := l.prefix + key
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockHeld
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLockHeld, ctx.Err())
		case <-time.After(l.poll):
		}
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// Background context so unlock succeeds even if the caller's
			// context is already cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

var (
	_ Locker = (*LocalLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
