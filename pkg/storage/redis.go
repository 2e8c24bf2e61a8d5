package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ngoyal88/searchlog/pkg/cache"
)

const redisPrefix = "searchlog:"

// upsertUserScript creates or bumps a user hash in one server-side step.
// Timestamps are unix microseconds so Lua numbers compare them exactly.
var upsertUserScript = redis.NewScript(`
local key = KEYS[1]
local seen = ARGV[1]
redis.call('HSETNX', key, 'first_seen', seen)
redis.call('HINCRBY', key, 'count', 1)
local last = redis.call('HGET', key, 'last_seen')
if (not last) or tonumber(last) < tonumber(seen) then
  redis.call('HSET', key, 'last_seen', seen)
end
if ARGV[2] ~= '' then redis.call('HSET', key, 'name', ARGV[2]) end
if ARGV[3] ~= '' then redis.call('HSET', key, 'email', ARGV[3]) end
redis.call('SADD', KEYS[2], ARGV[4])
return redis.call('HGETALL', key)
`)

// RedisStore implements Store using Redis hashes for users and JSON values
// indexed by sorted sets for searches. Nothing here expires.
type RedisStore struct {
	rdb *cache.Client
}

// NewRedisStore creates a new Redis-backed storage
func NewRedisStore(rdb *cache.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func userHashKey(key string) string     { return redisPrefix + "user:" + key }
func searchKey(id string) string        { return redisPrefix + "search:" + id }
func userTimelineKey(key string) string { return redisPrefix + "searches:user:" + key }
func modelIndexKey(model string) string { return redisPrefix + "searches:model:" + model }

const (
	usersIndexKey = redisPrefix + "users"
	timelineKey   = redisPrefix + "searches:timeline"
)

func (s *RedisStore) UpsertUser(ctx context.Context, u UserUpsert) (*UserRecord, error) {
	if err := prepareUpsert(&u); err != nil {
		return nil, err
	}

	res, err := upsertUserScript.Run(ctx, s.rdb.Redis(),
		[]string{userHashKey(u.Key), usersIndexKey},
		u.SeenAt.UnixMicro(), u.Name, u.Email, u.Key,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return userFromHash(u.Key, fields)
}

// InsertSearch stores one search and adds it to the time-series indexes
// in a single MULTI/EXEC.
func (s *RedisStore) InsertSearch(ctx context.Context, rec *SearchRecord) (string, error) {
	if err := prepareSearch(rec); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	score := float64(rec.Timestamp.UnixMicro())
	pipe := s.rdb.Redis().TxPipeline()
	// SETNX keeps an existing record untouched
	pipe.SetNX(ctx, searchKey(rec.ID), data, 0)
	pipe.ZAdd(ctx, timelineKey, redis.Z{Score: score, Member: rec.ID})
	pipe.ZAdd(ctx, userTimelineKey(rec.UserKey), redis.Z{Score: score, Member: rec.ID})
	if rec.Model != "" {
		pipe.ZAdd(ctx, modelIndexKey(rec.Model), redis.Z{Score: score, Member: rec.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to insert search: %w", err)
	}

	return rec.ID, nil
}

func (s *RedisStore) GetUser(ctx context.Context, key string) (*UserRecord, error) {
	fields, err := s.rdb.Redis().HGetAll(ctx, userHashKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return userFromHash(key, fields)
}

// ListSearches queries searches with filters
func (s *RedisStore) ListSearches(ctx context.Context, filter SearchFilter) ([]*SearchRecord, error) {
	filter = filter.normalized()

	// Determine which index to use
	indexKey := timelineKey
	if filter.UserKey != "" {
		indexKey = userTimelineKey(filter.UserKey)
	} else if filter.Model != "" {
		indexKey = modelIndexKey(filter.Model)
	}

	minScore, maxScore := "-inf", "+inf"
	if !filter.From.IsZero() {
		minScore = strconv.FormatInt(filter.From.UnixMicro(), 10)
	}
	if !filter.To.IsZero() {
		maxScore = strconv.FormatInt(filter.To.UnixMicro(), 10)
	}

	// With both user and model set the model is filtered client-side, so
	// paging has to happen here as well.
	offset, count := int64(filter.Offset), int64(filter.Limit)
	if filter.UserKey != "" && filter.Model != "" {
		offset, count = 0, -1
	}

	ids, err := s.rdb.Redis().ZRevRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min:    minScore,
		Max:    maxScore,
		Offset: offset,
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query searches: %w", err)
	}

	out := make([]*SearchRecord, 0, len(ids))
	skipped := 0
	for _, id := range ids {
		data, err := s.rdb.Get(ctx, searchKey(id))
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load search %s: %w", id, err)
		}
		var rec SearchRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("corrupted search %s: %w", id, err)
		}
		if !filter.matches(&rec) {
			continue
		}
		if count < 0 && skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, &rec)
		if len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Ping checks Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx)
}

// Close is a no-op: the client is shared and closed by its owner.
func (s *RedisStore) Close() error { return nil }

func userFromHash(key string, fields map[string]string) (*UserRecord, error) {
	count, err := strconv.ParseInt(fields["count"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupted user %s: count %q", key, fields["count"])
	}
	first, err := strconv.ParseInt(fields["first_seen"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupted user %s: first_seen %q", key, fields["first_seen"])
	}
	last, err := strconv.ParseInt(fields["last_seen"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupted user %s: last_seen %q", key, fields["last_seen"])
	}
	return &UserRecord{
		Key:       key,
		Name:      fields["name"],
		Email:     fields["email"],
		FirstSeen: time.UnixMicro(first).UTC(),
		LastSeen:  time.UnixMicro(last).UTC(),
		Count:     count,
	}, nil
}
