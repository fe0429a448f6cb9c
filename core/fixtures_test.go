package core

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type BaseFixture struct {
	ctx      context.Context
	db       *sql.DB
	store    *SQLiteMessageStore
	t        *testing.T
	tearDown func()
}

// NewBaseFixture opens a migrated SQLite database private to the test.
func NewBaseFixture(t *testing.T) *BaseFixture {
	ctx, cancel := context.WithCancel(context.Background())

	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"), "../migrations/sqlite", &SQLiteDBOption{
		Mode:        "rwc",
		ForeignKeys: true,
		BusyTimeout: 5000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	return &BaseFixture{
		ctx:   ctx,
		db:    db.DB,
		store: NewSQLiteMessageStore(db.DB, 0),
		t:     t,
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}

func (f *BaseFixture) seedUsers(ids ...string) {
	for _, id := range ids {
		if _, err := f.db.Exec(`INSERT INTO users (id, user_name) VALUES (?, ?)`, id, "name-"+id); err != nil {
			f.t.Fatal(err)
		}
	}
}

func (f *BaseFixture) seedRoom(roomID string, members ...string) {
	if _, err := f.db.Exec(`INSERT INTO rooms (id, name) VALUES (?, ?)`, roomID, "room "+roomID); err != nil {
		f.t.Fatal(err)
	}
	for _, m := range members {
		if _, err := f.db.Exec(`INSERT INTO room_members (room_id, user_id) VALUES (?, ?)`, roomID, m); err != nil {
			f.t.Fatal(err)
		}
	}
}

type RedisFixture struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	keys   Keyspace
	cache  *RedisHistoryCache
	queue  *RedisQueue
}

func NewRedisFixture(t *testing.T, opts CacheOptions) *RedisFixture {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	keys := NewKeyspace("test")
	return &RedisFixture{
		mr:     mr,
		client: client,
		keys:   keys,
		cache:  NewRedisHistoryCache(client, keys, opts, discardLogger),
		queue:  NewRedisQueue(client, keys, 0, discardLogger),
	}
}

func record(roomID, id string, createdAt int64, text string) MessageRecord {
	return MessageRecord{
		ID:        id,
		RoomID:    roomID,
		UserID:    "u1",
		UserName:  "name-u1",
		Text:      text,
		CreatedAt: createdAt,
	}
}

func texts(msgs []MessageRecord) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func cursorAt(v int64) *int64 {
	return &v
}
