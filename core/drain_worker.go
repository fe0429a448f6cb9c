package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type DrainConfig struct {
	// Threshold is the queue depth that must be exceeded before a batch is popped.
	Threshold int
	// BatchSize is the maximum number of entries popped and inserted at once.
	BatchSize int
	// IdleInterval is the pause between polls while the queue is at or below Threshold.
	IdleInterval time.Duration
	// Backoff is the pause after a failed cycle.
	Backoff time.Duration
	// MaxAttempts is the number of failed attempts after which an entry is dead-lettered.
	MaxAttempts int
}

var DefaultDrainConfig = DrainConfig{
	Threshold:    25,
	BatchSize:    50,
	IdleInterval: time.Second,
	Backoff:      5 * time.Second,
	MaxAttempts:  5,
}

func (c DrainConfig) withDefaults() DrainConfig {
	if c.Threshold < 0 {
		c.Threshold = DefaultDrainConfig.Threshold
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultDrainConfig.BatchSize
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = DefaultDrainConfig.IdleInterval
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultDrainConfig.Backoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultDrainConfig.MaxAttempts
	}
	return c
}

// DrainWorker moves entries from the write-behind queue into the durable store in batches.
//
// A popped batch is never dropped: it is either inserted, pushed back to the head of the queue
// with its attempt count raised, or dead-lettered once it runs out of attempts or violates a
// constraint. When the queue itself cannot take the batch back, the worker holds it in memory
// and retries it before popping anything new.
type DrainWorker struct {
	queue  WorkQueue
	store  MessageWriter
	cfg    DrainConfig
	logger *slog.Logger

	// mu guards held only and is never kept across a call to the queue or the store.
	mu   sync.Mutex
	held []QueueEntry
}

func NewDrainWorker(queue WorkQueue, store MessageWriter, cfg DrainConfig, logger *slog.Logger) *DrainWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DrainWorker{
		queue:  queue,
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "drain")),
	}
}

// Run polls the queue until ctx is cancelled. Shutdown is only observed between cycles; a batch
// that has been popped is always completed first.
func (w *DrainWorker) Run(ctx context.Context) error {
	w.logger.Info("drain worker started",
		slog.Int("threshold", w.cfg.Threshold), slog.Int("batch_size", w.cfg.BatchSize))
	defer w.logger.Info("drain worker stopped")

	for {
		if ctx.Err() != nil {
			w.release()
			return nil
		}

		n, err := w.DrainOnce(ctx)

		var wait time.Duration
		switch {
		case err != nil && ctx.Err() != nil:
			continue
		case err != nil:
			DrainErrors.Inc()
			w.logger.Warn("drain cycle failed", slog.String("err", err.Error()), slog.Duration("backoff", w.cfg.Backoff))
			wait = w.cfg.Backoff
		case n == 0:
			wait = w.cfg.IdleInterval
		default:
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

// DrainOnce runs a single cycle and returns the number of entries written to the durable store.
// When the queue depth is at or below the threshold it moves nothing.
func (w *DrainWorker) DrainOnce(ctx context.Context) (int, error) {
	if entries := w.takeHeld(); len(entries) > 0 {
		return w.persist(context.WithoutCancel(ctx), entries)
	}

	depth, err := w.queue.Len(ctx)
	if err != nil {
		return 0, err
	}
	QueueDepth.Set(float64(depth))
	if depth <= int64(w.cfg.Threshold) {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	hold := context.WithoutCancel(ctx)
	entries, err := w.queue.Pop(hold, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return w.persist(hold, entries)
}

func (w *DrainWorker) persist(ctx context.Context, entries []QueueEntry) (int, error) {
	inserted, err := w.store.InsertMessages(ctx, records(entries))
	switch {
	case err == nil:
		DrainPersisted.Add(float64(len(entries)))
		w.logger.Debug("batch persisted", slog.Int("batch", len(entries)), slog.Int64("inserted", inserted))
		return len(entries), nil
	case errors.Is(err, ErrConstraintViolation):
		return w.isolate(ctx, entries)
	default:
		return 0, w.retry(ctx, entries, err)
	}
}

// isolate retries a batch that violated a constraint one record at a time so only the offending
// records are dead-lettered.
func (w *DrainWorker) isolate(ctx context.Context, entries []QueueEntry) (int, error) {
	var (
		persisted int
		dead      []QueueEntry
		retryErr  error
	)
	for i, e := range entries {
		_, err := w.store.InsertMessages(ctx, []MessageRecord{e.Record})
		if err == nil {
			persisted++
			continue
		}
		if errors.Is(err, ErrConstraintViolation) {
			e.Reason = err.Error()
			dead = append(dead, e)
			continue
		}
		retryErr = w.retry(ctx, entries[i:], err)
		break
	}

	DrainPersisted.Add(float64(persisted))
	if len(dead) > 0 {
		w.deadLetter(ctx, dead)
	}
	return persisted, retryErr
}

// retry pushes entries back to the head of the queue, dead-lettering those out of attempts.
func (w *DrainWorker) retry(ctx context.Context, entries []QueueEntry, cause error) error {
	var again, dead []QueueEntry
	for _, e := range entries {
		e.Attempts++
		if e.Attempts >= w.cfg.MaxAttempts {
			e.Reason = cause.Error()
			dead = append(dead, e)
			continue
		}
		again = append(again, e)
	}

	if err := w.queue.Requeue(ctx, again); err != nil {
		w.logger.Error("requeue failed, holding batch", slog.Int("batch", len(again)), slog.String("err", err.Error()))
		w.hold(again)
	} else if len(again) > 0 {
		DrainRequeued.Add(float64(len(again)))
		w.logger.Warn("batch requeued", slog.Int("batch", len(again)), slog.String("cause", cause.Error()))
	}
	if len(dead) > 0 {
		w.deadLetter(ctx, dead)
	}
	return fmt.Errorf("persist batch: %w", cause)
}

func (w *DrainWorker) deadLetter(ctx context.Context, entries []QueueEntry) {
	if err := w.queue.DeadLetter(ctx, entries); err != nil {
		w.logger.Error("dead-letter failed, holding entries", slog.Int("count", len(entries)), slog.String("err", err.Error()))
		w.hold(entries)
		return
	}
	DrainDeadLettered.Add(float64(len(entries)))
	for _, e := range entries {
		w.logger.Error("queue entry dead-lettered",
			slog.String("message_id", e.Record.ID),
			slog.String("room_id", e.Record.RoomID),
			slog.Int("attempts", e.Attempts),
			slog.String("reason", e.Reason))
	}
}

// release hands held entries back to the queue on shutdown.
func (w *DrainWorker) release() {
	held := w.takeHeld()
	if len(held) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Backoff)
	defer cancel()
	if err := w.queue.Requeue(ctx, held); err != nil {
		ids := make([]string, 0, len(held))
		for _, e := range held {
			ids = append(ids, e.Record.ID)
		}
		w.logger.Error("could not release held entries on shutdown", slog.Any("message_ids", ids), slog.String("err", err.Error()))
		w.hold(held)
	}
}

func (w *DrainWorker) hold(entries []QueueEntry) {
	if len(entries) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = append(w.held, entries...)
}

func (w *DrainWorker) takeHeld() []QueueEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	held := w.held
	w.held = nil
	return held
}

func records(entries []QueueEntry) []MessageRecord {
	recs := make([]MessageRecord, len(entries))
	for i, e := range entries {
		recs[i] = e.Record
	}
	return recs
}
