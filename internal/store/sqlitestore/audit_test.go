package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"concord/internal/gateway"
	"concord/internal/syncer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuditStore(t *testing.T) *AuditStore {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestAuditLogRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := newTestAuditStore(t)

	when := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.LogAction(ctx, syncer.AuditEntry{
		Time:      when,
		Dimension: "ban",
		User:      "u1",
		Server:    "s1",
		Source:    "event",
		Detail:    "banned=true",
	}))
	require.NoError(t, store.LogAction(ctx, syncer.AuditEntry{
		Dimension: "mute",
		User:      "u2",
		Source:    "reconcile",
	}))

	entries, err := store.ListActions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first
	assert.Equal(t, "mute", entries[0].Dimension)
	assert.Equal(t, "ban", entries[1].Dimension)
	assert.True(t, entries[1].Time.Equal(when))
	assert.Equal(t, "banned=true", entries[1].Detail)
	assert.False(t, entries[0].Time.IsZero(), "zero time is filled in at write")
}

func TestAuditLogLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestAuditStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.LogAction(ctx, syncer.AuditEntry{
			Dimension: "ban",
			User:      "u1",
			Source:    "event",
		}))
	}

	entries, err := store.ListActions(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestCountActionsForUser(t *testing.T) {
	ctx := context.Background()
	store := newTestAuditStore(t)

	for _, user := range []gateway.UserID{"u1", "u1", "u2"} {
		require.NoError(t, store.LogAction(ctx, syncer.AuditEntry{
			Dimension: "timeout",
			User:      user,
			Source:    "event",
		}))
	}

	count, err := store.CountActionsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = store.CountActionsForUser(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
