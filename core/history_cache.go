package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultCacheTTL        = 2 * time.Hour
	DefaultCacheMaxEntries = 1000
	DefaultCacheTimeout    = 2 * time.Second
)

// HistoryCache is the ephemeral, time-ordered store of a room's recent messages.
type HistoryCache interface {
	// Read returns up to q.Limit records in ascending createdAt order.
	//   - no cursor: the newest records.
	//   - Older: records with createdAt strictly less than the cursor.
	//   - Newer: records with createdAt strictly greater than the cursor.
	// An empty result is not an error.
	Read(ctx context.Context, q HistoryQuery) ([]MessageRecord, error)

	// Populate adds records to the room's cache and refreshes its TTL.
	Populate(ctx context.Context, roomID string, msgs []MessageRecord) error
}

type CacheOptions struct {
	// TTL applies to the whole room key and is refreshed on every write.
	TTL time.Duration
	// MaxEntries caps a room to its newest records. Zero disables the cap.
	MaxEntries int
	// Timeout bounds every call to Redis.
	Timeout time.Duration
}

// RedisHistoryCache keeps each room as a sorted set scored by createdAt whose members are
// JSON encoded MessageRecords.
type RedisHistoryCache struct {
	client redis.UniversalClient
	keys   Keyspace
	opts   CacheOptions
	logger *slog.Logger
}

func NewRedisHistoryCache(client redis.UniversalClient, keys Keyspace, opts CacheOptions, logger *slog.Logger) *RedisHistoryCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	if opts.MaxEntries < 0 {
		opts.MaxEntries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCacheTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHistoryCache{client: client, keys: keys, opts: opts, logger: logger}
}

func (c *RedisHistoryCache) Read(ctx context.Context, q HistoryQuery) ([]MessageRecord, error) {
	q = q.Normalize()
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	defer observeSince(CacheLatency, "read", time.Now())

	key := c.keys.RoomCache(q.RoomID)

	var (
		raw      []string
		err      error
		reversed bool
	)
	switch {
	case q.Cursor == nil:
		raw, err = c.client.ZRevRange(ctx, key, 0, int64(q.Limit-1)).Result()
		reversed = true
	case q.Direction == Older:
		raw, err = c.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
			Max:   "(" + strconv.FormatInt(*q.Cursor, 10),
			Min:   "-inf",
			Count: int64(q.Limit),
		}).Result()
		reversed = true
	default:
		raw, err = c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:   "(" + strconv.FormatInt(*q.Cursor, 10),
			Max:   "+inf",
			Count: int64(q.Limit),
		}).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read room cache: %w", ErrDependencyUnavailable, err)
	}

	msgs := make([]MessageRecord, 0, len(raw))
	for _, member := range raw {
		var m MessageRecord
		if err := json.Unmarshal([]byte(member), &m); err != nil {
			c.logger.Warn("skipping undecodable cache member", slog.String("key", key), slog.String("err", err.Error()))
			continue
		}
		msgs = append(msgs, m)
	}
	if reversed {
		slices.Reverse(msgs)
	}
	return msgs, nil
}

func (c *RedisHistoryCache) Populate(ctx context.Context, roomID string, msgs []MessageRecord) error {
	if len(msgs) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(msgs))
	for _, m := range msgs {
		b, err := encodeRecord(m)
		if err != nil {
			return err
		}
		members = append(members, redis.Z{Score: float64(m.CreatedAt), Member: b})
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	defer observeSince(CacheLatency, "populate", time.Now())

	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		c.appendCmds(ctx, pipe, roomID, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: populate room cache: %w", ErrDependencyUnavailable, err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (c *RedisHistoryCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// appendCmds queues the commands that add members to a room, refresh its TTL and enforce the
// count cap.
func (c *RedisHistoryCache) appendCmds(ctx context.Context, pipe redis.Pipeliner, roomID string, members ...redis.Z) {
	key := c.keys.RoomCache(roomID)
	pipe.ZAdd(ctx, key, members...)
	if c.opts.MaxEntries > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-(c.opts.MaxEntries + 1)))
	}
	pipe.Expire(ctx, key, c.opts.TTL)
}

func encodeRecord(m MessageRecord) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal message record: %w", err)
	}
	return string(b), nil
}
