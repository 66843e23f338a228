package outqueue

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPebbleStore_RoundTripInSeqOrder(t *testing.T) {
	store, err := OpenPebbleStore("queue", vfs.NewMem())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	for _, seq := range []uint64{3, 1, 12, 2} {
		require.NoError(t, store.Put(ctx, PendingMessage{ClientTempID: uuid.New(), ConversationID: 1, Seq: seq, Status: StatusQueued}))
	}
	items, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, items, 4)
	for i, want := range []uint64{1, 2, 3, 12} {
		assert.Equal(t, want, items[i].Seq)
	}

	require.NoError(t, store.Delete(ctx, items[0]))
	items, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestQueue_RestoreFromPebble(t *testing.T) {
	fs := vfs.NewMem()
	ctx := context.Background()

	store, err := OpenPebbleStore("queue", fs)
	require.NoError(t, err)
	inflight := PendingMessage{ClientTempID: uuid.New(), ConversationID: 5, Content: "a", Seq: 1, Status: StatusInflight, AttemptCount: 1, CreatedAt: time.Now()}
	failed := PendingMessage{ClientTempID: uuid.New(), ConversationID: 5, Content: "b", Seq: 2, Status: StatusFailed, AttemptCount: 10}
	require.NoError(t, store.Put(ctx, inflight))
	require.NoError(t, store.Put(ctx, failed))
	require.NoError(t, store.Close())

	store, err = OpenPebbleStore("queue", fs)
	require.NoError(t, err)
	q := New(store, &fakeSender{}, Options{Backoff: fastBackoff(10)})
	defer q.Close()
	require.NoError(t, q.Restore(ctx))

	pending := q.Pending(5)
	require.Len(t, pending, 2)
	assert.Equal(t, inflight.ClientTempID, pending[0].ClientTempID)
	assert.Equal(t, StatusQueued, pending[0].Status)
	assert.Equal(t, StatusFailed, pending[1].Status)

	next, err := q.Enqueue(ctx, Draft{ConversationID: 5, Content: "c"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.Seq)

	items, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, StatusQueued, items[0].Status)
}
