package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgInsertMessages = `
INSERT INTO messages (id, room_id, user_id, text, created_at)
SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::bigint[])
ON CONFLICT (id) DO NOTHING`

	pgSelectMessages = `
SELECT m.id, m.room_id, m.user_id, u.user_name, m.text, m.created_at
FROM messages m
JOIN users u ON u.id = m.user_id
WHERE m.room_id = $1`
)

// PostgresMessageStore is a MessageStore and MembershipStore backed by PostgreSQL.
// It does not own the pool.
type PostgresMessageStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPostgresMessageStore(pool *pgxpool.Pool, timeout time.Duration) *PostgresMessageStore {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &PostgresMessageStore{pool: pool, timeout: timeout}
}

// InsertMessages writes the whole batch with a single multi-row INSERT.
func (s *PostgresMessageStore) InsertMessages(ctx context.Context, msgs []MessageRecord) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer observeSince(StoreLatency, "insert", time.Now())

	var (
		ids       = make([]string, len(msgs))
		roomIDs   = make([]string, len(msgs))
		userIDs   = make([]string, len(msgs))
		texts     = make([]string, len(msgs))
		createdAt = make([]int64, len(msgs))
	)
	for i, m := range msgs {
		ids[i], roomIDs[i], userIDs[i], texts[i], createdAt[i] = m.ID, m.RoomID, m.UserID, m.Text, m.CreatedAt
	}

	tag, err := s.pool.Exec(ctx, pgInsertMessages, ids, roomIDs, userIDs, texts, createdAt)
	if err != nil {
		return 0, classifyPgErr("Exec", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresMessageStore) ListMessages(ctx context.Context, q HistoryQuery) ([]MessageRecord, error) {
	q = q.Normalize()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer observeSince(StoreLatency, "list", time.Now())

	var (
		query      strings.Builder
		args       = []any{q.RoomID}
		descending = true
	)
	query.WriteString(pgSelectMessages)
	switch {
	case q.Cursor == nil:
		query.WriteString(` ORDER BY m.created_at DESC, m.id DESC LIMIT $2`)
	case q.Direction == Older:
		query.WriteString(` AND m.created_at < $3 ORDER BY m.created_at DESC, m.id DESC LIMIT $2`)
		args = append(args, q.Limit, *q.Cursor)
	default:
		query.WriteString(` AND m.created_at > $3 ORDER BY m.created_at ASC, m.id ASC LIMIT $2`)
		args = append(args, q.Limit, *q.Cursor)
		descending = false
	}
	if q.Cursor == nil {
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, classifyPgErr("Query", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MessageRecord, error) {
		var m MessageRecord
		err := row.Scan(&m.ID, &m.RoomID, &m.UserID, &m.UserName, &m.Text, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, classifyPgErr("CollectRows", err)
	}

	if descending {
		slices.Reverse(msgs)
	}
	return msgs, nil
}

func (s *PostgresMessageStore) IsRoomMember(ctx context.Context, userID, roomID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classifyPgErr("QueryRow", err)
	}
	return true, nil
}

func (s *PostgresMessageStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.pool.Ping(ctx)
}

// classifyPgErr maps SQLSTATE class 23 (integrity constraint violation) to ErrConstraintViolation.
func classifyPgErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %s: %w", ErrConstraintViolation, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrDependencyUnavailable, op, err)
}
