package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// HistoryPage is one window of a room history in ascending createdAt order.
type HistoryPage struct {
	Messages []MessageRecord
	// NextCursor is the createdAt to continue from in the same direction, nil once exhausted.
	NextCursor *int64
	// HasMore is a hint: a short page served from the cache can hide older records that only
	// the durable store holds.
	HasMore bool
}

type ReaderOption func(*HistoryReader)

// WithRepopulate controls whether durable backfills are written back to the cache.
func WithRepopulate(on bool) ReaderOption {
	return func(r *HistoryReader) {
		r.repopulate = on
	}
}

// WithLimits overrides the default and maximum page size. Both are still capped by MaxHistoryLimit.
func WithLimits(defaultLimit, maxLimit int) ReaderOption {
	return func(r *HistoryReader) {
		if defaultLimit > 0 {
			r.defaultLimit = defaultLimit
		}
		if maxLimit > 0 {
			r.maxLimit = maxLimit
		}
	}
}

// HistoryReader serves room history cache-aside: the cache first, the durable store on a
// qualifying miss.
type HistoryReader struct {
	cache        HistoryCache
	store        MessageReader
	repopulate   bool
	defaultLimit int
	maxLimit     int
	logger       *slog.Logger
}

func NewHistoryReader(cache HistoryCache, store MessageReader, logger *slog.Logger, opts ...ReaderOption) *HistoryReader {
	r := &HistoryReader{
		cache:        cache,
		store:        store,
		repopulate:   true,
		defaultLimit: DefaultHistoryLimit,
		maxLimit:     MaxHistoryLimit,
		logger:       logger.With(slog.String("component", "history")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetMessages returns one page of history.
//
// Only an empty Older read, with or without a cursor, falls through to the durable store; an
// empty Newer read is returned as is. When the cache itself fails, every direction is served from the store.
func (r *HistoryReader) GetMessages(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if q.Limit <= 0 {
		q.Limit = r.defaultLimit
	}
	q.Limit = min(q.Limit, r.maxLimit)
	q = q.Normalize()
	if err := q.Validate(); err != nil {
		return HistoryPage{}, err
	}

	msgs, cacheErr := r.cache.Read(ctx, q)
	source := "cache"
	switch {
	case cacheErr != nil:
		r.logger.Warn("cache read failed, using durable store",
			slog.String("room_id", q.RoomID), slog.String("err", cacheErr.Error()))
		var err error
		if msgs, err = r.store.ListMessages(ctx, q); err != nil {
			return HistoryPage{}, fmt.Errorf("read history: %w", errors.Join(cacheErr, err))
		}
		source = "store"

	case len(msgs) == 0 && q.Direction == Older:
		var err error
		if msgs, err = r.store.ListMessages(ctx, q); err != nil {
			return HistoryPage{}, fmt.Errorf("read history: %w", err)
		}
		source = "store"
		if len(msgs) > 0 {
			r.logger.Info("cache miss, backfilled from durable store",
				slog.String("room_id", q.RoomID), slog.Int("count", len(msgs)))
			r.backfill(ctx, q, msgs)
		}
	}
	HistoryReads.WithLabelValues(source).Inc()

	return newHistoryPage(q, msgs), nil
}

// backfill writes a durable page back to the cache when doing so keeps the cache a contiguous
// suffix of the room history: either the cache was empty for a no-cursor read, or the cursor is
// the cache's oldest record.
func (r *HistoryReader) backfill(ctx context.Context, q HistoryQuery, msgs []MessageRecord) {
	if !r.repopulate {
		return
	}
	if q.Cursor != nil {
		edge, err := r.cache.Read(ctx, HistoryQuery{
			RoomID:    q.RoomID,
			Cursor:    ptr(*q.Cursor - 1),
			Direction: Newer,
			Limit:     1,
		})
		if err != nil || len(edge) == 0 || edge[0].CreatedAt != *q.Cursor {
			return
		}
	}
	if err := r.cache.Populate(ctx, q.RoomID, msgs); err != nil {
		r.logger.Warn("cache repopulate failed", slog.String("room_id", q.RoomID), slog.String("err", err.Error()))
	}
}

func newHistoryPage(q HistoryQuery, msgs []MessageRecord) HistoryPage {
	if msgs == nil {
		msgs = []MessageRecord{}
	}
	page := HistoryPage{Messages: msgs, HasMore: len(msgs) == q.Limit}
	if !page.HasMore {
		return page
	}
	if q.Direction == Newer {
		page.NextCursor = ptr(msgs[len(msgs)-1].CreatedAt)
	} else {
		page.NextCursor = ptr(msgs[0].CreatedAt)
	}
	return page
}

func ptr[T any](v T) *T {
	return &v
}
