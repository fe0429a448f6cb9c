package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const PersistFailedMessage = "Message failed to process"

// Subscriptions reports the room subscriptions established when a connection joined a room.
type Subscriptions interface {
	IsSubscribed(connID, roomID string) bool
}

// RoomEmitter delivers an event to every live subscriber of a room.
type RoomEmitter interface {
	EmitToRoom(t string, payload any, roomID string) error
}

type IngestorOption func(*Ingestor)

func WithClock(now func() time.Time) IngestorOption {
	return func(i *Ingestor) {
		i.now = now
	}
}

func WithIDGenerator(g IDGenerator) IngestorOption {
	return func(i *Ingestor) {
		i.ids = g
	}
}

func WithMaxMessageLength(n int) IngestorOption {
	return func(i *Ingestor) {
		i.maxLength = n
	}
}

// Ingestor turns an authenticated send into a MessageRecord, fans it out to the room and hands
// it to the persister.
type Ingestor struct {
	subs      Subscriptions
	emitter   RoomEmitter
	persister Persister
	ids       IDGenerator
	now       func() time.Time
	maxLength int
	logger    *slog.Logger
}

func NewIngestor(subs Subscriptions, emitter RoomEmitter, persister Persister, logger *slog.Logger, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		subs:      subs,
		emitter:   emitter,
		persister: persister,
		ids:       NewULIDGenerator(),
		now:       time.Now,
		maxLength: DefaultMaxMessageLength,
		logger:    logger.With(slog.String("component", "ingest")),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest validates in, stamps a record authored by sender and broadcasts it before persisting.
// A persistence failure does not retract the broadcast; the returned error carries a client safe
// message meant for the sender only.
func (i *Ingestor) Ingest(ctx context.Context, sender Sender, in SendMessageInput) (MessageRecord, error) {
	if err := in.Validate(i.maxLength); err != nil {
		return MessageRecord{}, err
	}
	if !i.subs.IsSubscribed(sender.ConnID, in.RoomID) {
		return MessageRecord{}, fmt.Errorf("%w: %s", ErrNotJoined, in.RoomID)
	}

	now := i.now()
	rec := MessageRecord{
		ID:        i.ids.NewID(now),
		RoomID:    in.RoomID,
		UserID:    sender.UserID,
		UserName:  sender.UserName,
		Text:      in.Text,
		CreatedAt: now.UnixMilli(),
	}

	if err := i.emitter.EmitToRoom(ReceiveMessageEvent, NewReceiveMessagePayload(rec, sender.Photo), rec.RoomID); err != nil {
		i.logger.Error("broadcast failed", slog.String("message_id", rec.ID), slog.String("err", err.Error()))
	}

	if err := i.persister.Persist(ctx, rec); err != nil {
		PersistFailures.Inc()
		i.logger.Warn("persist failed",
			slog.String("room_id", rec.RoomID),
			slog.String("message_id", rec.ID),
			slog.String("err", err.Error()))
		return rec, WrapInsensitive(PersistFailedMessage, err)
	}

	MessagesIngested.Inc()
	return rec, nil
}
