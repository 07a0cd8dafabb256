package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/patrickwarner/adengine/internal/logic"
)

// RedisStore keeps history in Redis. Each key is a sorted set of impression
// ids scored by unix milliseconds plus a plain counter for the lifetime total:
//
//	history:<user>:<kind>:<id>        ZSET  member=uuid score=ms
//	history:<user>:<kind>:<id>:total  INT
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore returns a Redis backed store.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func redisKey(userID string, k Key) string {
	return fmt.Sprintf("history:%s:%s:%s", userID, k.Kind, k.ID)
}

func totalKey(userID string, k Key) string {
	return redisKey(userID, k) + ":total"
}

type keyCmds struct {
	times *redis.ZSliceCmd
	total *redis.StringCmd
}

// Snapshot reads every key in one pipeline round trip.
func (r *RedisStore) Snapshot(ctx context.Context, userID string, keys []Key, now time.Time) (*Snapshot, error) {
	if r == nil || r.client == nil {
		return nil, logic.ErrNilRedisStore
	}
	if len(keys) == 0 {
		return NewSnapshot(now, nil), nil
	}

	lo := "-inf"
	if r.retention > 0 {
		lo = "(" + strconv.FormatInt(now.Add(-r.retention).UnixMilli(), 10)
	}
	hi := strconv.FormatInt(now.UnixMilli(), 10)

	pipe := r.client.Pipeline()
	cmds := make(map[Key]keyCmds, len(keys))
	for _, k := range keys {
		cmds[k] = keyCmds{
			times: pipe.ZRangeByScoreWithScores(ctx, redisKey(userID, k), &redis.ZRangeBy{Min: lo, Max: hi}),
			total: pipe.Get(ctx, totalKey(userID, k)),
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("history snapshot: %w", err)
	}

	entries := make(map[Key]Entry, len(keys))
	for k, c := range cmds {
		zs, err := c.times.Result()
		if err != nil {
			return nil, fmt.Errorf("history times %s: %w", k, err)
		}
		total, err := c.total.Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("history total %s: %w", k, err)
		}
		if len(zs) == 0 && total == 0 {
			continue
		}
		e := Entry{Total: total, Times: make([]time.Time, 0, len(zs))}
		for _, z := range zs {
			e.Times = append(e.Times, time.UnixMilli(int64(z.Score)))
		}
		entries[k] = e
	}
	return NewSnapshot(now, entries), nil
}

// RecordImpression appends the impression to every key inside a MULTI/EXEC
// transaction and trims entries older than the retention horizon.
func (r *RedisStore) RecordImpression(ctx context.Context, imp Impression) error {
	if r == nil || r.client == nil {
		return logic.ErrNilRedisStore
	}
	score := float64(imp.At.UnixMilli())
	cutoff := "(" + strconv.FormatInt(imp.At.Add(-r.retention).UnixMilli(), 10)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range imp.Keys() {
			key := redisKey(imp.UserID, k)
			pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: uuid.NewString()})
			if r.retention > 0 {
				pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
				pipe.Expire(ctx, key, r.retention)
			}
			pipe.Incr(ctx, totalKey(imp.UserID, k))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record impression: %w", err)
	}
	return nil
}
