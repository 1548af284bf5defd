package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseFetchDueFilters(t *testing.T) {
	ctx := context.Background()
	store := NewDatabase(setupTestDB(t, Models()...))

	future := pendingMessage("future", t0)
	later := t0.Add(time.Hour)
	future.NextAttemptAt = &later

	require.NoError(t, store.Insert(ctx, []Message{
		pendingMessage("due-2", t0.Add(time.Second)),
		pendingMessage("due-1", t0),
		future,
	}))
	require.NoError(t, store.Insert(ctx, []Message{pendingMessage("dead", t0)}))
	require.NoError(t, store.MarkDeadLettered(ctx, "dead", 5, "gone", t0))

	due, err := store.FetchDue(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "due-1", due[0].ID)
	assert.Equal(t, "due-2", due[1].ID)

	due, err = store.FetchDue(ctx, t0.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestDatabaseMarkPublishedOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewDatabase(setupTestDB(t, Models()...))
	require.NoError(t, store.Insert(ctx, []Message{pendingMessage("m1", t0)}))

	ok, err := store.MarkPublished(ctx, "m1", t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkPublished(ctx, "m1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	m, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, m.PublishedAt)
	assert.True(t, m.PublishedAt.Equal(t0.Add(time.Second)))

	// failures after publish never touch the row
	require.NoError(t, store.MarkFailed(ctx, "m1", 3, "late", t0.Add(time.Hour)))
	require.NoError(t, store.MarkDeadLettered(ctx, "m1", 3, "late", t0.Add(time.Hour)))
	m, _ = store.Get(ctx, "m1")
	assert.Equal(t, StatePublished, m.State())
	assert.Equal(t, 0, m.Attempts)
}

func TestDatabaseRedrive(t *testing.T) {
	ctx := context.Background()
	store := NewDatabase(setupTestDB(t, Models()...))
	require.NoError(t, store.Insert(ctx, []Message{pendingMessage("m1", t0), pendingMessage("m2", t0)}))
	require.NoError(t, store.MarkDeadLettered(ctx, "m1", 5, "gone", t0))

	dead, err := store.FetchDeadLettered(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	ok, err := store.Redrive(ctx, "m2", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	now := t0.Add(time.Hour)
	ok, err = store.Redrive(ctx, "m1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	m, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 0, m.Attempts)
	assert.Nil(t, m.DeadLetteredAt)
	assert.Nil(t, m.PublishedAt)
	require.NotNil(t, m.NextAttemptAt)
	assert.True(t, m.NextAttemptAt.Equal(now))

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Pending: 2}, counts)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}
