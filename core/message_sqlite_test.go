package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteMessageStore_InsertMessages(t *testing.T) {
	f := NewBaseFixture(t)
	defer f.tearDown()
	f.seedUsers("u1")
	f.seedRoom("r1", "u1")

	batch := []MessageRecord{
		record("r1", "m1", 1000, "a"),
		record("r1", "m2", 1001, "b"),
	}

	t.Run("insert", func(t *testing.T) {
		n, err := f.store.InsertMessages(f.ctx, batch)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	})

	t.Run("replay is deduplicated by id", func(t *testing.T) {
		n, err := f.store.InsertMessages(f.ctx, append(batch, record("r1", "m3", 1002, "c")))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		got, err := f.store.ListMessages(f.ctx, HistoryQuery{RoomID: "r1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, texts(got))
	})

	t.Run("missing room violates a constraint and writes nothing", func(t *testing.T) {
		_, err := f.store.InsertMessages(f.ctx, []MessageRecord{
			record("r1", "m4", 1003, "d"),
			record("nope", "m5", 1004, "e"),
		})
		assert.ErrorIs(t, err, ErrConstraintViolation)

		got, err := f.store.ListMessages(f.ctx, HistoryQuery{RoomID: "r1"})
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})
}

func TestSQLiteMessageStore_ListMessages(t *testing.T) {
	f := NewBaseFixture(t)
	defer f.tearDown()
	f.seedUsers("u1")
	f.seedRoom("r1", "u1")
	f.seedRoom("r2", "u1")

	var batch []MessageRecord
	for i := range 10 {
		batch = append(batch, record("r1", fmt.Sprintf("m%02d", i), int64(1000+i), fmt.Sprint(i)))
	}
	batch = append(batch, record("r2", "other", 1005, "other room"))
	_, err := f.store.InsertMessages(f.ctx, batch)
	require.NoError(t, err)

	tcs := []struct {
		name string
		q    HistoryQuery
		exp  []string
	}{
		{name: "newest", q: HistoryQuery{RoomID: "r1", Limit: 3}, exp: []string{"7", "8", "9"}},
		{name: "older", q: HistoryQuery{RoomID: "r1", Cursor: cursorAt(1005), Direction: Older, Limit: 3}, exp: []string{"2", "3", "4"}},
		{name: "newer", q: HistoryQuery{RoomID: "r1", Cursor: cursorAt(1005), Direction: Newer, Limit: 3}, exp: []string{"6", "7", "8"}},
		{name: "older exhausted", q: HistoryQuery{RoomID: "r1", Cursor: cursorAt(1000), Direction: Older, Limit: 3}, exp: []string{}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.store.ListMessages(f.ctx, tc.q)
			require.NoError(t, err)
			assert.Equal(t, tc.exp, texts(got))
		})
	}

	got, err := f.store.ListMessages(f.ctx, HistoryQuery{RoomID: "r1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "name-u1", got[0].UserName, "author name is joined from users")
}

func TestSQLiteMessageStore_IsRoomMember(t *testing.T) {
	f := NewBaseFixture(t)
	defer f.tearDown()
	f.seedUsers("u1", "u2")
	f.seedRoom("r1", "u1")

	ok, err := f.store.IsRoomMember(f.ctx, "u1", "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.store.IsRoomMember(f.ctx, "u2", "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.store.Ping(f.ctx))
}
