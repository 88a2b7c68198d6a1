package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key schema: queue:<name> for lists, hash <map_name> (field = id) for
// maps, intvalue:<name> for counters.

// RedisQueue backs Queue[T] with an RPUSH/BLPOP list, grounded functionally
// in original_source/tangoObjects.py's TangoRemoteQueue.
type RedisQueue[T any] struct {
	client *redis.Client
	key    string
}

func NewRedisQueue[T any](client *redis.Client, name string) *RedisQueue[T] {
	return &RedisQueue[T]{client: client, key: "queue:" + name}
}

func (q *RedisQueue[T]) Push(ctx context.Context, x T) error {
	data, err := json.Marshal(x)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.key, data).Err()
}

func (q *RedisQueue[T]) Pop(ctx context.Context, blocking bool, timeout int64) (T, error) {
	var zero T

	if !blocking {
		data, err := q.client.LPop(ctx, q.key).Result()
		if errors.Is(err, redis.Nil) {
			return zero, ErrEmpty
		}
		if err != nil {
			return zero, err
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return zero, err
		}
		return v, nil
	}

	d := time.Duration(timeout) * time.Millisecond
	if timeout <= 0 {
		d = 0 // BLPOP with 0 blocks indefinitely
	}
	res, err := q.client.BLPop(ctx, d, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return zero, ErrTimeout
	}
	if err != nil {
		return zero, err
	}
	// res is [key, value]
	var v T
	if err := json.Unmarshal([]byte(res[1]), &v); err != nil {
		return zero, err
	}
	return v, nil
}

func (q *RedisQueue[T]) Remove(ctx context.Context, x T) (bool, error) {
	data, err := json.Marshal(x)
	if err != nil {
		return false, err
	}
	n, err := q.client.LRem(ctx, q.key, 1, data).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *RedisQueue[T]) Drain(ctx context.Context) ([]T, error) {
	out := make([]T, 0)
	for {
		data, err := q.client.LPop(ctx, q.key).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, err
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (q *RedisQueue[T]) Size(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	return int(n), err
}

func (q *RedisQueue[T]) Empty(ctx context.Context) (bool, error) {
	n, err := q.Size(ctx)
	return n == 0, err
}

// RedisMap backs Map[K,V] with a hash, field = stringified key, grounded in
// original_source/tangoObjects.py's TangoRemoteDictionary (hset/hget/hkeys/
// hvals/hdel).
type RedisMap[K comparable, V any] struct {
	client *redis.Client
	key    string
}

func NewRedisMap[K comparable, V any](client *redis.Client, name string) *RedisMap[K, V] {
	return &RedisMap[K, V]{client: client, key: name}
}

func fieldName[K comparable](key K) string {
	return fmt.Sprintf("%v", key)
}

func (m *RedisMap[K, V]) Has(ctx context.Context, key K) (bool, error) {
	return m.client.HExists(ctx, m.key, fieldName(key)).Result()
}

func (m *RedisMap[K, V]) Set(ctx context.Context, key K, value V) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return m.client.HSet(ctx, m.key, fieldName(key), data).Err()
}

func (m *RedisMap[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V
	data, err := m.client.HGet(ctx, m.key, fieldName(key)).Result()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var v V
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

func (m *RedisMap[K, V]) GetOrFail(ctx context.Context, key K) (V, error) {
	v, ok, err := m.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, ErrNotFound
	}
	return v, nil
}

func (m *RedisMap[K, V]) Delete(ctx context.Context, key K) error {
	return m.client.HDel(ctx, m.key, fieldName(key)).Err()
}

func (m *RedisMap[K, V]) Keys(ctx context.Context) ([]K, error) {
	items, err := m.Items(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]K, 0, len(items))
	for k := range items {
		out = append(out, k)
	}
	return out, nil
}

func (m *RedisMap[K, V]) Values(ctx context.Context) ([]V, error) {
	items, err := m.Items(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]V, 0, len(items))
	for _, v := range items {
		out = append(out, v)
	}
	return out, nil
}

// Items scans the whole hash. Redis HGETALL provides native enumeration, so
// (unlike the bounded id-range scan a backend without one would need) this
// implementation never needs a fallback scan.
func (m *RedisMap[K, V]) Items(ctx context.Context) (map[K]V, error) {
	raw, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[K]V, len(raw))
	for field, data := range raw {
		var k K
		if err := assignField(field, &k); err != nil {
			continue
		}
		var v V
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			continue
		}
		out[k] = v
	}
	return out, nil
}

// assignField parses a hash field name back into K. K is expected to be a
// string or an integer type in every concrete use in this module (job IDs,
// pool names).
func assignField[K any](field string, out *K) error {
	switch p := any(out).(type) {
	case *string:
		*p = field
		return nil
	case *int:
		var v int
		_, err := fmt.Sscanf(field, "%d", &v)
		*p = v
		return err
	default:
		return fmt.Errorf("statestore: unsupported map key type for field %q", field)
	}
}

// RedisCounter backs Counter with a plain string key incremented via INCR,
// grounded in original_source/tangoObjects.py's TangoRemoteIntValue.
type RedisCounter struct {
	client *redis.Client
	key    string
}

func NewRedisCounter(client *redis.Client, name string) *RedisCounter {
	return &RedisCounter{client: client, key: "intvalue:" + name}
}

func (c *RedisCounter) Get(ctx context.Context) (int64, error) {
	v, err := c.client.Get(ctx, c.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (c *RedisCounter) Set(ctx context.Context, v int64) error {
	return c.client.Set(ctx, c.key, v, 0).Err()
}

func (c *RedisCounter) IncrementAndGet(ctx context.Context) (int64, error) {
	return c.client.Incr(ctx, c.key).Result()
}
