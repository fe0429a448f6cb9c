package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueEntry is a MessageRecord waiting for durable persistence.
type QueueEntry struct {
	Record MessageRecord `json:"record"`
	// Attempts counts the failed persistence attempts so far.
	Attempts int `json:"attempts,omitempty"`
	// Reason is set on dead-lettered entries.
	Reason string `json:"reason,omitempty"`
}

// WorkQueue is the write-behind FIFO drained by the DrainWorker.
type WorkQueue interface {
	Len(ctx context.Context) (int64, error)
	// Pop removes up to n entries from the head of the queue.
	Pop(ctx context.Context, n int) ([]QueueEntry, error)
	// Requeue puts entries back at the head of the queue, preserving their order.
	Requeue(ctx context.Context, entries []QueueEntry) error
	// DeadLetter parks entries that will not be retried.
	DeadLetter(ctx context.Context, entries []QueueEntry) error
}

// RedisQueue is a WorkQueue on a Redis list: producers RPUSH, the worker LPOPs.
type RedisQueue struct {
	client  redis.UniversalClient
	keys    Keyspace
	timeout time.Duration
	logger  *slog.Logger
}

func NewRedisQueue(client redis.UniversalClient, keys Keyspace, timeout time.Duration, logger *slog.Logger) *RedisQueue {
	if timeout <= 0 {
		timeout = DefaultCacheTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{client: client, keys: keys, timeout: timeout, logger: logger}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	n, err := q.client.LLen(ctx, q.keys.Queue()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: LLen: %w", ErrDependencyUnavailable, err)
	}
	return n, nil
}

// Push appends a fresh record to the tail of the queue.
func (q *RedisQueue) Push(ctx context.Context, rec MessageRecord) error {
	entry, err := encodeQueueEntry(QueueEntry{Record: rec})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := q.client.RPush(ctx, q.keys.Queue(), entry).Err(); err != nil {
		return fmt.Errorf("%w: RPush: %w", ErrDependencyUnavailable, err)
	}
	return nil
}

// Pop removes up to n entries. Entries that cannot be decoded are moved to the dead-letter list
// as they are and are not returned.
func (q *RedisQueue) Pop(ctx context.Context, n int) ([]QueueEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	defer observeSince(CacheLatency, "queue_pop", time.Now())

	raw, err := q.client.LPopCount(ctx, q.keys.Queue(), n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: LPopCount: %w", ErrDependencyUnavailable, err)
	}

	entries := make([]QueueEntry, 0, len(raw))
	var corrupt []any
	for _, s := range raw {
		var e QueueEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil || e.Record.ID == "" {
			corrupt = append(corrupt, s)
			continue
		}
		entries = append(entries, e)
	}
	if len(corrupt) > 0 {
		q.logger.Error("dead-lettering undecodable queue entries", slog.Int("count", len(corrupt)))
		if err := q.client.RPush(ctx, q.keys.DeadLetter(), corrupt...).Err(); err != nil {
			// the decodable entries are already off the queue and must still reach the caller
			q.logger.Error("dead-letter push failed, dropping undecodable entries",
				slog.Any("entries", corrupt), slog.String("err", err.Error()))
		} else {
			DrainDeadLettered.Add(float64(len(corrupt)))
		}
	}
	return entries, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, entries []QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	// LPUSH inserts its arguments one after another at the head, so push in reverse to keep
	// entries[0] first.
	values := make([]any, 0, len(entries))
	for _, e := range slices.Backward(entries) {
		s, err := encodeQueueEntry(e)
		if err != nil {
			return err
		}
		values = append(values, s)
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := q.client.LPush(ctx, q.keys.Queue(), values...).Err(); err != nil {
		return fmt.Errorf("%w: LPush: %w", ErrDependencyUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, entries []QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]any, 0, len(entries))
	for _, e := range entries {
		s, err := encodeQueueEntry(e)
		if err != nil {
			return err
		}
		values = append(values, s)
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := q.client.RPush(ctx, q.keys.DeadLetter(), values...).Err(); err != nil {
		return fmt.Errorf("%w: RPush dead letter: %w", ErrDependencyUnavailable, err)
	}
	return nil
}

// DeadLetters returns the parked entries, oldest first.
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]QueueEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	raw, err := q.client.LRange(ctx, q.keys.DeadLetter(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: LRange: %w", ErrDependencyUnavailable, err)
	}
	entries := make([]QueueEntry, 0, len(raw))
	for _, s := range raw {
		var e QueueEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (q *RedisQueue) pushCmds(ctx context.Context, pipe redis.Pipeliner, entry string) {
	pipe.RPush(ctx, q.keys.Queue(), entry)
}

func encodeQueueEntry(e QueueEntry) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal queue entry: %w", err)
	}
	return string(b), nil
}
