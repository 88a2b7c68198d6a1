package statestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker resolves the read-modify-write race inherent to any store-backed
// object shared across processes: a per-job lock obtained via the shared
// store, rather than relying on small per-field atomic operations.
type Locker interface {
	// Lock blocks until the named lock is acquired or ctx is done, and
	// returns a release function.
	Lock(ctx context.Context, name string) (release func(), err error)
}

// LocalLocker hands out a *sync.Mutex per name, sufficient when the State
// Store is running in-process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *LocalLocker) Lock(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.Lock()
		close(done)
	}()

	select {
	case <-done:
		return m.Unlock, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	}
}

// RedisLocker implements a lock via SETNX-with-TTL, polling until the key
// is free or ctx is done. This is a cooperative lock, not a fencing token
// scheme — sufficient for the single-dispatcher deployment model the
// specification's non-goals assume.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, poll: 10 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, name string) (func(), error) {
	key := fmt.Sprintf("lock:%s", name)
	for {
		ok, err := l.client.SetNX(ctx, key, "1", l.ttl).Result()
		if err != nil {
			return func() {}, err
		}
		if ok {
			return func() { l.client.Del(context.Background(), key) }, nil
		}
		select {
		case <-ctx.Done():
			return func() {}, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
