// Package statestore implements the abstract data types the job system's
// shared state is built from — a blocking FIFO Queue[T] and a keyed
// Map[K,V] — plus a Counter primitive for monotonic IDs, each with a local
// (in-process) and a shared (Redis-backed) implementation selected at
// deployment time.
//
// Serialisation between the two backings round-trips through
// encoding/json, so any value stored must survive a JSON marshal/unmarshal
// cycle without loss — required for both Job and Machine.
package statestore

import "context"

// Queue is a FIFO of items with blocking pop, per-value removal, and drain.
type Queue[T any] interface {
	// Push appends x to the tail.
	Push(ctx context.Context, x T) error
	// Pop removes and returns the head. If blocking is true and timeout is
	// zero, Pop blocks indefinitely; a positive timeout returns ErrTimeout
	// on expiry. If blocking is false, Pop returns ErrEmpty immediately when
	// the queue has nothing to offer.
	Pop(ctx context.Context, blocking bool, timeout int64) (T, error)
	// Remove deletes the first element equal to x (by serialised identity),
	// if any, and reports whether one was removed.
	Remove(ctx context.Context, x T) (bool, error)
	// Drain empties the queue and returns everything that was in it, head
	// first.
	Drain(ctx context.Context) ([]T, error)
	// Size reports the current length.
	Size(ctx context.Context) (int, error)
	// Empty reports whether the queue currently holds nothing.
	Empty(ctx context.Context) (bool, error)
}

// Map is a keyed collection with get/set/delete/scan semantics. Iteration
// order of Keys/Values/Items is unspecified.
type Map[K comparable, V any] interface {
	Has(ctx context.Context, key K) (bool, error)
	Set(ctx context.Context, key K, value V) error
	Get(ctx context.Context, key K) (V, bool, error)
	// GetOrFail returns ErrNotFound instead of a boolean when key is absent.
	GetOrFail(ctx context.Context, key K) (V, error)
	Delete(ctx context.Context, key K) error
	Keys(ctx context.Context) ([]K, error)
	Values(ctx context.Context) ([]V, error)
	Items(ctx context.Context) (map[K]V, error)
}

// Counter is a monotonic integer primitive, shared across processes when
// backed by Redis.
type Counter interface {
	Get(ctx context.Context) (int64, error)
	Set(ctx context.Context, v int64) error
	IncrementAndGet(ctx context.Context) (int64, error)
}
