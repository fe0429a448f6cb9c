package core

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Persister hands an ingested record to the persistence path.
type Persister interface {
	Persist(ctx context.Context, rec MessageRecord) error
}

// WriteBehind appends a record to its room's history cache and pushes it onto the write-behind
// queue in a single MULTI/EXEC so the two never diverge on a partial failure.
type WriteBehind struct {
	client  redis.UniversalClient
	cache   *RedisHistoryCache
	queue   *RedisQueue
	timeout time.Duration
}

func NewWriteBehind(client redis.UniversalClient, cache *RedisHistoryCache, queue *RedisQueue, timeout time.Duration) *WriteBehind {
	if timeout <= 0 {
		timeout = DefaultCacheTimeout
	}
	return &WriteBehind{client: client, cache: cache, queue: queue, timeout: timeout}
}

func (w *WriteBehind) Persist(ctx context.Context, rec MessageRecord) error {
	member, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	entry, err := encodeQueueEntry(QueueEntry{Record: rec})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	defer observeSince(CacheLatency, "persist", time.Now())

	_, err = w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		w.cache.appendCmds(ctx, pipe, rec.RoomID, redis.Z{Score: float64(rec.CreatedAt), Member: member})
		w.queue.pushCmds(ctx, pipe, entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: cache and queue write: %w", ErrDependencyUnavailable, err)
	}
	return nil
}
