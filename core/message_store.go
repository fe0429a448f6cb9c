package core

import (
	"context"
	"time"
)

const DefaultStoreTimeout = 5 * time.Second

// MessageStore is the durable, append-only source of truth for messages.
type MessageStore interface {
	MessageWriter
	MessageReader

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// MessageWriter persists batches of records.
type MessageWriter interface {
	// InsertMessages inserts all records in one bulk operation and returns the number of rows
	// actually written. Records whose id already exists are skipped, so replaying a batch is safe.
	// If any record references a missing room or user, nothing is written and the error wraps
	// ErrConstraintViolation. Any other failure wraps ErrDependencyUnavailable.
	InsertMessages(ctx context.Context, msgs []MessageRecord) (int64, error)
}

// MessageReader answers history queries from the durable store.
type MessageReader interface {
	// ListMessages returns up to q.Limit records of a room in ascending createdAt order.
	// Without a cursor it returns the newest records. Older selects records strictly before the
	// cursor, Newer strictly after it.
	ListMessages(ctx context.Context, q HistoryQuery) ([]MessageRecord, error)
}

// MembershipStore is the room-membership collaborator.
type MembershipStore interface {
	// IsRoomMember reports whether userID belongs to roomID.
	IsRoomMember(ctx context.Context, userID, roomID string) (bool, error)
}
