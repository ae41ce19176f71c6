package datastore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore/glsql"
)

func TestSQLOutbox_CommitWithEvent(t *testing.T) {
	db := glsql.NewDB(t)
	catalog := NewSQLCatalog(db)
	outbox := NewSQLOutbox(db, []string{"secondary-1", "secondary-2"})
	ctx := context.Background()

	r := Replicable{Type: "lfs_object", ID: 1, Path: "a.bin", Checksummable: true}
	queued, err := outbox.CommitWithEvent(ctx, catalog.Save(r), LifecycleEvent{
		ReplicableType: r.Type,
		ReplicableID:   r.ID,
		Kind:           EventCreated,
	})
	require.NoError(t, err)
	require.Len(t, queued, 2)
	require.Equal(t, "secondary-1", queued[0].Site)
	require.Equal(t, "secondary-2", queued[1].Site)
	require.False(t, queued[0].Event.EmittedAt.IsZero())

	db.RequireRowsInTable(t, "geo_replicables", 1)
	db.RequireRowsInTable(t, "geo_event_queue", 2)

	t.Run("failed mutation enqueues nothing", func(t *testing.T) {
		_, err := outbox.CommitWithEvent(ctx, func(ctx context.Context, q glsql.Querier) error {
			if err := catalog.Save(Replicable{Type: "lfs_object", ID: 2, Path: "b.bin"})(ctx, q); err != nil {
				return err
			}
			return errors.New("boom")
		}, LifecycleEvent{ReplicableType: "lfs_object", ReplicableID: 2, Kind: EventCreated})
		require.EqualError(t, err, "boom")

		db.RequireRowsInTable(t, "geo_replicables", 1)
		db.RequireRowsInTable(t, "geo_event_queue", 2)
	})

	t.Run("event survives for delivery", func(t *testing.T) {
		events, err := NewSQLEventQueue(db).Dequeue(ctx, "secondary-2", 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, EventCreated, events[0].Event.Kind)
		require.Equal(t, int64(1), events[0].Event.ReplicableID)
	})
}

func TestMemoryOutbox_CommitWithEvent(t *testing.T) {
	queue := NewMemoryEventQueue()
	catalog := NewMemoryCatalog()
	outbox := NewMemoryOutbox(queue, []string{"secondary-1"})
	ctx := context.Background()

	queued, err := outbox.CommitWithEvent(ctx, catalog.Save(Replicable{Type: "upload", ID: 7, Path: "u"}), LifecycleEvent{
		ReplicableType: "upload",
		ReplicableID:   7,
		Kind:           EventCreated,
	})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Len(t, queue.Events(), 1)

	_, err = outbox.CommitWithEvent(ctx, func(context.Context, glsql.Querier) error {
		return errors.New("boom")
	}, LifecycleEvent{ReplicableType: "upload", ReplicableID: 8, Kind: EventCreated})
	require.EqualError(t, err, "boom")
	require.Len(t, queue.Events(), 1)

	r, err := catalog.Get(ctx, "upload", 7)
	require.NoError(t, err)
	require.True(t, r.Exists)
}
