package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-eventcore/event"
	"github.com/c0deZ3R0/go-eventcore/eventstore"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "events.db")
	store, err := NewWithDataSource(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := event.New(event.TypeBusiness, fmt.Sprintf("step_%d", i), "t1",
			map[string]any{"n": float64(i)},
			event.WithAggregate("customer", "cust-1"))
		require.NoError(t, store.Append(ctx, e))
	}

	history, err := store.Events(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, e := range history {
		assert.Equal(t, fmt.Sprintf("step_%d", i), e.EventName)
		assert.Equal(t, float64(i), e.Payload["n"])
	}
}

func TestAppend_EnvelopeRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	e := event.New(event.TypeIntegration, "record_synced", "tenant-7",
		map[string]any{"field": "value"},
		event.WithAggregate("record", "rec-1"),
		event.WithSourceSystem("crm"),
		event.WithTags("sync"),
		event.WithPriority(event.PriorityHigh),
		event.WithMaxRetries(5),
	)
	require.NoError(t, store.Append(ctx, e))

	history, err := store.Events(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, history, 1)

	got := history[0]
	assert.Equal(t, e.Metadata.EventID, got.Metadata.EventID)
	assert.Equal(t, e.Metadata.CorrelationID, got.Metadata.CorrelationID)
	assert.Equal(t, "crm", got.Metadata.SourceSystem)
	assert.Equal(t, []string{"sync"}, got.Metadata.Tags)
	assert.Equal(t, event.PriorityHigh, got.Metadata.Priority)
	assert.Equal(t, e.Payload, got.Payload)
	assert.True(t, e.Metadata.CreatedAt.Equal(got.Metadata.CreatedAt))
}

func TestAppend_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	e := event.New(event.TypeBusiness, "created", "t1", nil,
		event.WithEventID("dup-1"), event.WithAggregate("cust", "c1"))
	require.NoError(t, store.Append(ctx, e))
	assert.ErrorIs(t, store.Append(ctx, e), eventstore.ErrDuplicateEvent)
}

func TestAppend_StripsRetryCount(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	e := event.New(event.TypeBusiness, "created", "t1", nil,
		event.WithAggregate("cust", "c2"))
	e.Metadata.RetryCount = 3
	require.NoError(t, store.Append(ctx, e))

	history, err := store.Events(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, 0, history[0].Metadata.RetryCount)
}

func TestEventsByCorrelationID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	root := event.New(event.TypeCommand, "create", "t1", nil,
		event.WithAggregate("order", "o1"))
	require.NoError(t, store.Append(ctx, root))

	child := event.NewFromParent(root, event.TypeBusiness, "created", nil,
		event.WithAggregate("invoice", "i1"))
	require.NoError(t, store.Append(ctx, child))

	other := event.New(event.TypeBusiness, "noise", "t1", nil,
		event.WithAggregate("order", "o2"))
	require.NoError(t, store.Append(ctx, other))

	got, err := store.EventsByCorrelationID(ctx, root.Metadata.CorrelationID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestClosedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := NewWithDataSource(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	e := event.New(event.TypeBusiness, "x", "t1", nil)
	assert.ErrorIs(t, store.Append(context.Background(), e), eventstore.ErrStoreClosed)

	_, err = store.Events(context.Background(), "a")
	assert.ErrorIs(t, err, eventstore.ErrStoreClosed)

	// Close is idempotent.
	assert.NoError(t, store.Close())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{})
	assert.Error(t, err)
}
