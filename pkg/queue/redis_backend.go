package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyItems         = "sw:queue:items"
	redisKeyOrderCritical = "sw:queue:order:critical"
	redisKeyOrderNormal   = "sw:queue:order:normal"
	redisKeySeq           = "sw:queue:seq"
)

func orderKey(p Priority) string {
	if p == PriorityCritical {
		return redisKeyOrderCritical
	}
	return redisKeyOrderNormal
}

// RedisBackend stores items in a hash with one sorted set per priority
// holding the insertion order. Durability follows the server's persistence
// settings (AOF recommended).
type RedisBackend struct {
	redis *redis.Client
}

// NewRedisBackend creates a backend on rdb.
func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	if rdb == nil {
		panic("redis client cannot be nil")
	}
	return &RedisBackend{redis: rdb}
}

// NextSeq increments the shared sequence counter.
func (b *RedisBackend) NextSeq(ctx context.Context) (int64, error) {
	return b.redis.Incr(ctx, redisKeySeq).Result()
}

// Put writes the item and its order entry in one transaction.
func (b *RedisBackend) Put(ctx context.Context, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}

	_, err = b.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisKeyItems, item.ID, data)
		pipe.ZAdd(ctx, orderKey(item.Priority), redis.Z{Score: float64(item.Seq), Member: item.ID})
		return nil
	})
	return err
}

// Get reads one item.
func (b *RedisBackend) Get(ctx context.Context, id string) (Item, error) {
	data, err := b.redis.HGet(ctx, redisKeyItems, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("redis hget: %w", err)
	}

	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return Item{}, fmt.Errorf("unmarshal item %s: %w", id, err)
	}
	return item, nil
}

// Modify applies fn to the stored item inside a WATCH transaction and
// retries when another client changed the queue in between.
func (b *RedisBackend) Modify(ctx context.Context, id string, fn func(Item) (Item, error)) (Item, error) {
	var out Item
	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, redisKeyItems, id).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("redis hget: %w", err)
		}

		var current Item
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("unmarshal item %s: %w", id, err)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		next.ID = current.ID
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal item: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, redisKeyItems, id, encoded)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for i := 0; i < modifyRetries; i++ {
		err := b.redis.Watch(ctx, txf, redisKeyItems)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return Item{}, ErrConflict
}

// Delete removes the item and its order entries. Unknown ids are ignored.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	_, err := b.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, redisKeyItems, id)
		pipe.ZRem(ctx, redisKeyOrderCritical, id)
		pipe.ZRem(ctx, redisKeyOrderNormal, id)
		return nil
	})
	return err
}

// List returns every item, critical first, each priority in sequence order.
func (b *RedisBackend) List(ctx context.Context) ([]Item, error) {
	var ids []string
	for _, key := range []string{redisKeyOrderCritical, redisKeyOrderNormal} {
		members, err := b.redis.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("redis zrange %s: %w", key, err)
		}
		ids = append(ids, members...)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := b.redis.HMGet(ctx, redisKeyItems, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}

	items := make([]Item, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Order entry without item; skipped.
			continue
		}
		var item Item
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("unmarshal item %s: %w", ids[i], err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Close is a no-op; the redis client belongs to the caller.
func (b *RedisBackend) Close() error {
	return nil
}
