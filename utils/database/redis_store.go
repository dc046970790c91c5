package database

import (
	"context"
	"discord-automod/escalation"
	"discord-automod/model"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses a redis:// URL and checks that the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisReversals stores pending reversals in redis so several bot processes
// can share one queue. Entries live in a hash keyed by id, ordered by a
// sorted set on the due time. A claimed entry is also in the firing set,
// scored by its claim time. Abandoned entries move to a separate hash.
type RedisReversals struct {
	client *redis.Client
	prefix string
}

func NewRedisReversals(client *redis.Client, prefix string) *RedisReversals {
	return &RedisReversals{client: client, prefix: prefix}
}

func (r *RedisReversals) entriesKey() string   { return r.prefix + "reversals" }
func (r *RedisReversals) dueKey() string       { return r.prefix + "reversals:due" }
func (r *RedisReversals) abandonedKey() string { return r.prefix + "reversals:abandoned" }
func (r *RedisReversals) firingKey() string    { return r.prefix + "reversals:firing" }

// KEYS: due, firing. ARGV: id, claimed at (ms).
var claimScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
	return 0
end
return redis.call('ZADD', KEYS[2], 'NX', ARGV[2], ARGV[1])
`)

// KEYS: due, firing, entries. ARGV: id.
var removeScheduledScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[2], ARGV[1]) ~= false then
	return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// maxWatchRetries bounds optimistic transactions that lost a race.
const maxWatchRetries = 10

func (r *RedisReversals) Add(ctx context.Context, rev model.PendingReversal) error {
	if rev.Status == "" {
		rev.Status = model.ReversalScheduled
	}
	raw, err := json.Marshal(rev)
	if err != nil {
		return fmt.Errorf("failed to encode pending reversal %s: %w", rev.ID, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.entriesKey(), rev.ID, raw)
		pipe.ZAdd(ctx, r.dueKey(), redis.Z{Score: float64(rev.DueAt.UnixMilli()), Member: rev.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store pending reversal %s: %w", rev.ID, err)
	}
	return nil
}

func (r *RedisReversals) Remove(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.HDel(ctx, r.entriesKey(), id)
		pipe.ZRem(ctx, r.dueKey(), id)
		pipe.ZRem(ctx, r.firingKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete pending reversal %s: %w", id, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("no pending reversal with id %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *RedisReversals) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := claimScript.Run(ctx, r.client, []string{r.dueKey(), r.firingKey()}, id, at.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim pending reversal %s: %w", id, err)
	}
	return n == 1, nil
}

func (r *RedisReversals) Release(ctx context.Context, id string) error {
	if err := r.client.ZRem(ctx, r.firingKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to release pending reversal %s: %w", id, err)
	}
	return nil
}

func (r *RedisReversals) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := r.client.ZRemRangeByScore(ctx, r.firingKey(), "-inf", strconv.FormatInt(cutoff.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to release stale reversals: %w", err)
	}
	return int(n), nil
}

func (r *RedisReversals) RemoveScheduled(ctx context.Context, id string) (bool, error) {
	n, err := removeScheduledScript.Run(ctx, r.client, []string{r.dueKey(), r.firingKey(), r.entriesKey()}, id).Int()
	if err != nil {
		return false, fmt.Errorf("failed to delete pending reversal %s: %w", id, err)
	}
	return n == 1, nil
}

func (r *RedisReversals) FindScheduled(ctx context.Context, key model.ReversalKey) ([]model.PendingReversal, error) {
	revs, err := r.ListScheduled(ctx)
	if err != nil {
		return nil, err
	}
	revs = slices.DeleteFunc(revs, func(rev model.PendingReversal) bool { return rev.Key() != key })
	slices.Reverse(revs)
	return revs, nil
}

// MarkAbandoned moves an entry to the abandoned hash. The entries hash is
// watched so a concurrent Add or Remove of the same id is never lost.
func (r *RedisReversals) MarkAbandoned(ctx context.Context, id string) error {
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, r.entriesKey(), id).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("no pending reversal with id %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read pending reversal %s: %w", id, err)
		}
		var rev model.PendingReversal
		if err := json.Unmarshal(raw, &rev); err != nil {
			return fmt.Errorf("failed to decode pending reversal %s: %w", id, err)
		}
		rev.Status = model.ReversalAbandoned
		updated, err := json.Marshal(rev)
		if err != nil {
			return fmt.Errorf("failed to encode pending reversal %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.abandonedKey(), id, updated)
			pipe.HDel(ctx, r.entriesKey(), id)
			pipe.ZRem(ctx, r.dueKey(), id)
			pipe.ZRem(ctx, r.firingKey(), id)
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err := r.client.Watch(ctx, txf, r.entriesKey())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to abandon pending reversal %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("failed to abandon pending reversal %s: %w", id, redis.TxFailedErr)
}

func (r *RedisReversals) ListScheduled(ctx context.Context) ([]model.PendingReversal, error) {
	return r.listRange(ctx, "+inf")
}

func (r *RedisReversals) ListDue(ctx context.Context, before time.Time) ([]model.PendingReversal, error) {
	return r.listRange(ctx, strconv.FormatInt(before.UnixMilli(), 10))
}

func (r *RedisReversals) listRange(ctx context.Context, max string) ([]model.PendingReversal, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.dueKey(), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reversals: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := r.client.HMGet(ctx, r.entriesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load pending reversals: %w", err)
	}
	claimed, err := r.client.ZMScore(ctx, r.firingKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load reversal claims: %w", err)
	}
	revs := make([]model.PendingReversal, 0, len(raws))
	for i, raw := range raws {
		if claimed[i] != 0 {
			// 正在执行中，不算 scheduled
			continue
		}
		s, ok := raw.(string)
		if !ok {
			// 索引里有但数据已被其他进程删除
			continue
		}
		var rev model.PendingReversal
		if err := json.Unmarshal([]byte(s), &rev); err != nil {
			return nil, fmt.Errorf("failed to decode pending reversal %s: %w", ids[i], err)
		}
		revs = append(revs, rev)
	}
	return revs, nil
}

// RedisViolations stores violation counters in redis.
type RedisViolations struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisViolations creates a counter store. Counters idle for longer than
// ttl expire; a zero ttl keeps them forever.
func NewRedisViolations(client *redis.Client, prefix string, ttl time.Duration) *RedisViolations {
	return &RedisViolations{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisViolations) counterKey(key escalation.Key) string {
	return r.prefix + "violations:" + key.String()
}

func (r *RedisViolations) kickedKey(guildID, memberID string) string {
	return r.prefix + "kicked:" + guildID + "/" + memberID
}

func (r *RedisViolations) Increment(ctx context.Context, key escalation.Key) (int, error) {
	k := r.counterKey(key)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		if r.ttl > 0 {
			pipe.Expire(ctx, k, r.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment violation counter %s: %w", key, err)
	}
	return int(incr.Val()), nil
}

func (r *RedisViolations) Get(ctx context.Context, key escalation.Key) (int, error) {
	n, err := r.client.Get(ctx, r.counterKey(key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get violation counter %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisViolations) Reset(ctx context.Context, key escalation.Key) error {
	if err := r.client.Del(ctx, r.counterKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to reset violation counter %s: %w", key, err)
	}
	return nil
}

func (r *RedisViolations) SetKicked(ctx context.Context, guildID, memberID string, kicked bool) error {
	var err error
	if kicked {
		err = r.client.Set(ctx, r.kickedKey(guildID, memberID), time.Now().Unix(), 0).Err()
	} else {
		err = r.client.Del(ctx, r.kickedKey(guildID, memberID)).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update kicked flag for user %s in guild %s: %w", memberID, guildID, err)
	}
	return nil
}

func (r *RedisViolations) Kicked(ctx context.Context, guildID, memberID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.kickedKey(guildID, memberID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read kicked flag for user %s in guild %s: %w", memberID, guildID, err)
	}
	return n > 0, nil
}
