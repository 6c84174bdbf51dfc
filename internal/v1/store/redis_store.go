package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/meshcall/core/internal/v1/types"
	"github.com/redis/go-redis/v9"
)

const (
	redisQueueKey   = "meshcall:queue"
	redisPairPrefix = "meshcall:pair:"
	redisLockPrefix = "meshcall:lock:"
	redisBanPrefix  = "meshcall:ban:"
	redisBusyPrefix = "meshcall:busy:"
	redisTSPrefix   = "meshcall:ts:"
)

// RedisStore is the multi-pod QueueStore implementation backed directly by
// go-redis, grounded on the teacher's bus.Service Redis Set helpers
// (SetAdd/SetRem/SetMembers in internal/v1/bus/redis.go) generalized to the
// sorted-set/hash/TTL-key shapes the matchmaking state needs.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-connected redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) AddToQueue(ctx context.Context, sid types.Sid, enqueuedAt time.Time) error {
	return s.client.ZAdd(ctx, redisQueueKey, redis.Z{
		Score:  float64(enqueuedAt.UnixNano()),
		Member: string(sid),
	}).Err()
}

func (s *RedisStore) RemoveFromQueue(ctx context.Context, sid types.Sid) error {
	return s.client.ZRem(ctx, redisQueueKey, string(sid)).Err()
}

func (s *RedisStore) IsInQueue(ctx context.Context, sid types.Sid) (bool, error) {
	_, err := s.client.ZScore(ctx, redisQueueKey, string(sid)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) WaitingQueue(ctx context.Context) ([]types.Sid, error) {
	members, err := s.client.ZRangeByScore(ctx, redisQueueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.Sid, len(members))
	for i, m := range members {
		out[i] = types.Sid(m)
	}
	return out, nil
}

func (s *RedisStore) QueueSize(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, redisQueueKey).Result()
	return int(n), err
}

func (s *RedisStore) QueueEntryTime(ctx context.Context, sid types.Sid) (time.Time, bool, error) {
	score, err := s.client.ZScore(ctx, redisQueueKey, string(sid)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, int64(score)), true, nil
}

func (s *RedisStore) SetPair(ctx context.Context, a, b types.Sid) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisPairPrefix+string(a), string(b), 0)
	pipe.Set(ctx, redisPairPrefix+string(b), string(a), 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetPartner(ctx context.Context, sid types.Sid) (types.Sid, bool, error) {
	v, err := s.client.Get(ctx, redisPairPrefix+string(sid)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return types.Sid(v), true, nil
}

func (s *RedisStore) RemovePair(ctx context.Context, sid types.Sid) error {
	partner, ok, err := s.GetPartner(ctx, sid)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisPairPrefix+string(sid))
	if ok {
		pipe.Del(ctx, redisPairPrefix+string(partner))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) LockSocket(ctx context.Context, sid types.Sid, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, redisLockPrefix+string(sid), "1", ttl).Result()
	return ok, err
}

func (s *RedisStore) UnlockSocket(ctx context.Context, sid types.Sid) error {
	return s.client.Del(ctx, redisLockPrefix+string(sid)).Err()
}

func (s *RedisStore) IsLocked(ctx context.Context, sid types.Sid) (bool, error) {
	n, err := s.client.Exists(ctx, redisLockPrefix+string(sid)).Result()
	return n > 0, err
}

func (s *RedisStore) BanPair(ctx context.Context, a, b types.Sid, ttl time.Duration) error {
	lo, hi := banKey(a, b)
	return s.client.Set(ctx, redisBanPrefix+string(lo)+":"+string(hi), "1", ttl).Err()
}

func (s *RedisStore) IsBannedTogether(ctx context.Context, a, b types.Sid) (bool, error) {
	lo, hi := banKey(a, b)
	n, err := s.client.Exists(ctx, redisBanPrefix+string(lo)+":"+string(hi)).Result()
	return n > 0, err
}

func (s *RedisStore) SetBusy(ctx context.Context, sid types.Sid, busy bool) error {
	if !busy {
		return s.client.Del(ctx, redisBusyPrefix+string(sid)).Err()
	}
	return s.client.Set(ctx, redisBusyPrefix+string(sid), "1", 0).Err()
}

func (s *RedisStore) IsBusy(ctx context.Context, sid types.Sid) (bool, error) {
	n, err := s.client.Exists(ctx, redisBusyPrefix+string(sid)).Result()
	return n > 0, err
}

func (s *RedisStore) timestamp(ctx context.Context, kind string, sid types.Sid) (time.Time, bool, error) {
	v, err := s.client.Get(ctx, redisTSPrefix+kind+":"+string(sid)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	nanos, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt timestamp for %s %s: %w", kind, sid, err)
	}
	return time.Unix(0, nanos), true, nil
}

func (s *RedisStore) setTimestamp(ctx context.Context, kind string, sid types.Sid, t time.Time) error {
	return s.client.Set(ctx, redisTSPrefix+kind+":"+string(sid), strconv.FormatInt(t.UnixNano(), 10), 0).Err()
}

func (s *RedisStore) LastSearch(ctx context.Context, sid types.Sid) (time.Time, bool, error) {
	return s.timestamp(ctx, "search", sid)
}

func (s *RedisStore) SetLastSearch(ctx context.Context, sid types.Sid, t time.Time) error {
	return s.setTimestamp(ctx, "search", sid, t)
}

func (s *RedisStore) LastStart(ctx context.Context, sid types.Sid) (time.Time, bool, error) {
	return s.timestamp(ctx, "start", sid)
}

func (s *RedisStore) SetLastStart(ctx context.Context, sid types.Sid, t time.Time) error {
	return s.setTimestamp(ctx, "start", sid, t)
}

func (s *RedisStore) LastMatchAttempt(ctx context.Context, sid types.Sid) (time.Time, bool, error) {
	return s.timestamp(ctx, "attempt", sid)
}

func (s *RedisStore) SetLastMatchAttempt(ctx context.Context, sid types.Sid, t time.Time) error {
	return s.setTimestamp(ctx, "attempt", sid, t)
}

func (s *RedisStore) CleanupStaleQueueEntries(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	members, err := s.client.ZRangeByScore(ctx, redisQueueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	if err := s.client.ZRem(ctx, redisQueueKey, toAny(members)...).Err(); err != nil {
		return 0, err
	}
	return len(members), nil
}

// CleanupStaleStates is a no-op for Redis: lock and ban keys carry their
// own TTL and Redis expires them natively; busy keys have no TTL and are
// left as they are. Reported separately from queue
// cleanup because the Janitor logs both counts.
func (s *RedisStore) CleanupStaleStates(_ context.Context) (int, error) {
	return 0, nil
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
