package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	st, err := store.Open(config.StateStorage{
		Type:     "sqlite",
		FilePath: filepath.Join(t.TempDir(), "queue.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestEnqueue_StampsAndPersists(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &store.QueuedAction{
		TargetURL: "/finance/invoices",
		Method:    "POST",
		Headers:   map[string]string{"Authorization": "Bearer tok"},
		Body:      json.RawMessage(`{"a":1}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	actions, err := q.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, id, actions[0].ID)
	assert.False(t, actions[0].EnqueuedAt.IsZero())
	assert.Zero(t, actions[0].RetryCount)
	assert.Nil(t, actions[0].LastAttempt)
}

func TestEnqueue_RejectsIncompleteActions(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &store.QueuedAction{Method: "POST"})
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, &store.QueuedAction{TargetURL: "/x"})
	assert.Error(t, err)
}

func TestListAll_PreservesEnqueueOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(ctx, &store.QueuedAction{
			TargetURL: "/finance/invoices",
			Method:    "POST",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	actions, err := q.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, actions, len(ids))
	for i, action := range actions {
		assert.Equal(t, ids[i], action.ID)
	}
}

func TestRecordFailure_IncrementsRetryCount(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &store.QueuedAction{TargetURL: "/x", Method: "POST"})
	require.NoError(t, err)

	actions, err := q.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	require.NoError(t, q.RecordFailure(ctx, actions[0], errors.New("connection refused")))

	actions, err = q.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, id, actions[0].ID, "a failed action stays enumerable")
	assert.Equal(t, 1, actions[0].RetryCount)
	assert.Equal(t, "connection refused", actions[0].LastError)
	assert.NotNil(t, actions[0].LastAttempt)
}

func TestRemove(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &store.QueuedAction{TargetURL: "/x", Method: "DELETE"})
	require.NoError(t, err)
	require.NoError(t, q.Remove(ctx, id))

	actions, err := q.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions)
}
