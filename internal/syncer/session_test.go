package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Save And Get Round-Trip", func(t *testing.T) {
		store := NewMemorySessionStore(time.Hour)
		session := &Session{
			ID:     "s-1",
			UserID: "user-1",
			Mode:   ModeFull,
			Status: StatusActive,
		}
		require.NoError(t, store.Save(ctx, session))

		loaded, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, "user-1", loaded.UserID)
	})

	t.Run("Get Returns A Copy", func(t *testing.T) {
		store := NewMemorySessionStore(time.Hour)
		require.NoError(t, store.Save(ctx, &Session{ID: "s-1", Status: StatusActive}))

		loaded, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		loaded.Status = StatusClosed

		again, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, again.Status)
	})

	t.Run("Pending Conflicts Do Not Alias The Stored Record", func(t *testing.T) {
		store := NewMemorySessionStore(time.Hour)
		require.NoError(t, store.Save(ctx, &Session{
			ID:     "s-1",
			Status: StatusActive,
			PendingConflicts: map[string]*PendingConflict{
				conflictKey("incident", "i-1"): {
					DataType:      "incident",
					ItemID:        "i-1",
					ClientPayload: map[string]interface{}{"title": "original"},
				},
			},
		}))

		loaded, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		delete(loaded.PendingConflicts, conflictKey("incident", "i-1"))

		again, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		require.Len(t, again.PendingConflicts, 1)

		again.PendingConflicts[conflictKey("incident", "i-1")].ClientPayload["title"] = "tampered"
		final, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "original", final.PendingConflicts[conflictKey("incident", "i-1")].ClientPayload["title"])
	})

	t.Run("Absent Session Is Nil Not Error", func(t *testing.T) {
		store := NewMemorySessionStore(time.Hour)
		loaded, err := store.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("Expired Session Is Gone", func(t *testing.T) {
		store := NewMemorySessionStore(20 * time.Millisecond)
		require.NoError(t, store.Save(ctx, &Session{ID: "s-1"}))

		time.Sleep(50 * time.Millisecond)

		loaded, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("List Returns Every Stored Session", func(t *testing.T) {
		store := NewMemorySessionStore(time.Hour)
		require.NoError(t, store.Save(ctx, &Session{ID: "s-1"}))
		require.NoError(t, store.Save(ctx, &Session{ID: "s-2"}))

		sessions, err := store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, sessions, 2)
	})

	t.Run("Delete Removes The Session", func(t *testing.T) {
		store := NewMemorySessionStore(time.Hour)
		require.NoError(t, store.Save(ctx, &Session{ID: "s-1"}))
		require.NoError(t, store.Delete(ctx, "s-1"))

		loaded, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})
}
