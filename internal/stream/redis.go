package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLog implements Log on Redis streams plus plain string keys. The stream
// id Redis assigns on XADD is the sequence number handed back to callers.
type RedisLog struct {
	rdb *redis.Client
}

func NewRedisLog(rdb *redis.Client) *RedisLog {
	return &RedisLog{rdb: rdb}
}

func (l *RedisLog) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (l *RedisLog) Range(ctx context.Context, stream, from, to string) ([]Entry, error) {
	msgs, err := l.rdb.XRange(ctx, stream, from, to).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", stream, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, fromMessage(m))
	}
	return entries, nil
}

func (l *RedisLog) Trim(ctx context.Context, stream, minID string) error {
	if err := l.rdb.XTrimMinID(ctx, stream, minID).Err(); err != nil {
		return fmt.Errorf("xtrim %s: %w", stream, err)
	}
	return nil
}

func (l *RedisLog) BlockingRead(ctx context.Context, stream, fromID string, block time.Duration) ([]Entry, error) {
	res, err := l.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, fromID},
		Block:   block,
		Count:   128,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrReadTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("xread %s: %w", stream, err)
	}
	var entries []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			entries = append(entries, fromMessage(m))
		}
	}
	return entries, nil
}

func (l *RedisLog) TailID(ctx context.Context, stream string) (string, error) {
	// XREVRANGE answers with an empty reply for a missing stream, so no
	// error-text inspection is needed to tell "no stream" from a failure.
	msgs, err := l.rdb.XRevRangeN(ctx, stream, MaxID, MinID, 1).Result()
	if err != nil {
		return "", fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (l *RedisLog) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (l *RedisLog) CompareAndSwap(ctx context.Context, key, old, next string) (bool, error) {
	swapped := false
	err := l.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			cur = ""
		} else if err != nil {
			return err
		}
		if cur != old {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// The key changed between WATCH and EXEC: a plain lost race.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cas %s: %w", key, err)
	}
	return swapped, nil
}

func (l *RedisLog) Set(ctx context.Context, key, value string) error {
	if err := l.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (l *RedisLog) Get(ctx context.Context, key string) (string, error) {
	v, err := l.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoKey
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (l *RedisLog) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := l.rdb.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, fmt.Errorf("incrby %s: %w", key, err)
	}
	return v, nil
}

func fromMessage(m redis.XMessage) Entry {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return Entry{ID: m.ID, Fields: fields}
}
