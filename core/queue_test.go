package core

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(entries []QueueEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Record.ID
	}
	return out
}

func TestRedisQueue_FIFO(t *testing.T) {
	f := NewRedisFixture(t, CacheOptions{})
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, f.queue.Push(ctx, record("r1", fmt.Sprintf("m%d", i), int64(i), "x")))
	}
	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	got, err := f.queue.Pop(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m1", "m2"}, ids(got))

	got, err = f.queue.Pop(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4"}, ids(got))

	got, err = f.queue.Pop(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisQueue_RequeueKeepsOrderAtHead(t *testing.T) {
	f := NewRedisFixture(t, CacheOptions{})
	ctx := context.Background()

	for i := range 4 {
		require.NoError(t, f.queue.Push(ctx, record("r1", fmt.Sprintf("m%d", i), int64(i), "x")))
	}
	popped, err := f.queue.Pop(ctx, 2)
	require.NoError(t, err)
	for i := range popped {
		popped[i].Attempts++
	}
	require.NoError(t, f.queue.Requeue(ctx, popped))

	got, err := f.queue.Pop(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3"}, ids(got))
	assert.Equal(t, []int{1, 1, 0, 0}, []int{got[0].Attempts, got[1].Attempts, got[2].Attempts, got[3].Attempts})
}

func TestRedisQueue_CorruptEntriesAreDeadLettered(t *testing.T) {
	f := NewRedisFixture(t, CacheOptions{})
	ctx := context.Background()

	require.NoError(t, f.queue.Push(ctx, record("r1", "m1", 1, "x")))
	_, err := f.mr.Push(f.keys.Queue(), "garbage", `{"record":{}}`)
	require.NoError(t, err)

	got, err := f.queue.Pop(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(got))

	dead, err := f.mr.List(f.keys.DeadLetter())
	require.NoError(t, err)
	assert.Equal(t, []string{"garbage", `{"record":{}}`}, dead)
}

func TestWriteBehind_Persist(t *testing.T) {
	f := NewRedisFixture(t, CacheOptions{})
	ctx := context.Background()
	wb := NewWriteBehind(f.client, f.cache, f.queue, 0)

	rec := record("r1", "m1", 1000, "hello")
	require.NoError(t, wb.Persist(ctx, rec))

	cached, err := f.cache.Read(ctx, HistoryQuery{RoomID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, []MessageRecord{rec}, cached)

	queued, err := f.queue.Pop(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, rec, queued[0].Record)
	assert.Zero(t, queued[0].Attempts)

	f.mr.Close()
	err = wb.Persist(ctx, record("r1", "m2", 1001, "lost"))
	assert.ErrorIs(t, err, ErrDependencyUnavailable)
}
