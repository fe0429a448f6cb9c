package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	sqliteInsertMessage = `
INSERT INTO messages (id, room_id, user_id, text, created_at)
VALUES (:id, :room_id, :user_id, :text, :created_at)
ON CONFLICT (id) DO NOTHING`

	sqliteSelectMessages = `
SELECT m.id, m.room_id, m.user_id, u.user_name, m.text, m.created_at
FROM messages m
JOIN users u ON u.id = m.user_id
WHERE m.room_id = :room_id`
)

// SQLiteMessageStore is a MessageStore and MembershipStore backed by SQLite.
type SQLiteMessageStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewSQLiteMessageStore(db *sql.DB, timeout time.Duration) *SQLiteMessageStore {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &SQLiteMessageStore{db: db, timeout: timeout}
}

func (s *SQLiteMessageStore) InsertMessages(ctx context.Context, msgs []MessageRecord) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer observeSince(StoreLatency, "insert", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifySQLiteErr("BeginTx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteInsertMessage)
	if err != nil {
		return 0, classifySQLiteErr("PrepareContext", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, m := range msgs {
		res, err := stmt.ExecContext(ctx,
			sql.Named("id", m.ID),
			sql.Named("room_id", m.RoomID),
			sql.Named("user_id", m.UserID),
			sql.Named("text", m.Text),
			sql.Named("created_at", m.CreatedAt))
		if err != nil {
			return 0, classifySQLiteErr("ExecContext", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, classifySQLiteErr("RowsAffected", err)
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, classifySQLiteErr("Commit", err)
	}
	return inserted, nil
}

func (s *SQLiteMessageStore) ListMessages(ctx context.Context, q HistoryQuery) ([]MessageRecord, error) {
	q = q.Normalize()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer observeSince(StoreLatency, "list", time.Now())

	query := sqliteSelectMessages
	args := []any{sql.Named("room_id", q.RoomID), sql.Named("limit", q.Limit)}
	descending := true
	switch {
	case q.Cursor == nil:
		query += ` ORDER BY m.created_at DESC, m.id DESC LIMIT :limit`
	case q.Direction == Older:
		query += ` AND m.created_at < :cursor ORDER BY m.created_at DESC, m.id DESC LIMIT :limit`
		args = append(args, sql.Named("cursor", *q.Cursor))
	default:
		query += ` AND m.created_at > :cursor ORDER BY m.created_at ASC, m.id ASC LIMIT :limit`
		args = append(args, sql.Named("cursor", *q.Cursor))
		descending = false
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteErr("QueryContext", err)
	}
	defer rows.Close()

	msgs := make([]MessageRecord, 0, q.Limit)
	for rows.Next() {
		var m MessageRecord
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.UserName, &m.Text, &m.CreatedAt); err != nil {
			return nil, classifySQLiteErr("Scan", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteErr("Rows", err)
	}

	if descending {
		slices.Reverse(msgs)
	}
	return msgs, nil
}

func (s *SQLiteMessageStore) IsRoomMember(ctx context.Context, userID, roomID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_members WHERE room_id = :room_id AND user_id = :user_id`,
		sql.Named("room_id", roomID), sql.Named("user_id", userID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classifySQLiteErr("QueryRowContext", err)
	}
	return true, nil
}

func (s *SQLiteMessageStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func classifySQLiteErr(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %s: %w", ErrConstraintViolation, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrDependencyUnavailable, op, err)
}
