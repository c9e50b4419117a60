// SPDX-License-Identifier: MIT

package runnerstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runners.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleSnapshot(tenantID, externalID string) Snapshot {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return Snapshot{
		TenantID:    tenantID,
		ExternalID:  externalID,
		Name:        "build-" + externalID,
		Status:      "online",
		Busy:        false,
		Labels:      []string{"self-hosted", "linux"},
		LastSeen:    now,
		LastChecked: now,
	}
}

func TestSQLiteStore_UpsertAndList(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("t1", "11")
	require.NoError(t, store.Upsert(ctx, snap))

	got, err := store.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	if diff := cmp.Diff(snap, got[0]); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_UpsertIsIdempotentByExternalID(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("t1", "11")
	require.NoError(t, store.Upsert(ctx, snap))

	snap.Busy = true
	snap.Name = "renamed"
	require.NoError(t, store.Upsert(ctx, snap))

	got, err := store.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 1, "concurrent webhook+poll writes must not duplicate rows")
	assert.True(t, got[0].Busy)
	assert.Equal(t, "renamed", got[0].Name)
}

func TestSQLiteStore_MarkOffline(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("t1", "11")
	snap.Busy = true
	require.NoError(t, store.Upsert(ctx, snap))

	checked := time.Now().UTC().Truncate(time.Millisecond).Add(time.Minute)
	require.NoError(t, store.MarkOffline(ctx, "t1", "11", checked))

	got, err := store.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 1, "offline marking must never remove the row")
	assert.Equal(t, "offline", got[0].Status)
	assert.False(t, got[0].Busy)
	assert.Equal(t, checked, got[0].LastChecked)
	assert.Equal(t, snap.LastSeen, got[0].LastSeen, "last_seen is untouched by offline marking")

	// Unknown runner is a no-op.
	require.NoError(t, store.MarkOffline(ctx, "t1", "404", checked))
}

func TestSQLiteStore_TenantIsolation(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, sampleSnapshot("t1", "11")))
	require.NoError(t, store.Upsert(ctx, sampleSnapshot("t2", "11")))

	got, err := store.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TenantID)
}

func TestSQLiteStore_Tenants(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureTenant(ctx, Tenant{ID: "t2", Org: "acme"}))
	require.NoError(t, store.EnsureTenant(ctx, Tenant{ID: "t1", Org: "globex"}))
	require.NoError(t, store.EnsureTenant(ctx, Tenant{ID: "t2", Org: "acme-renamed"}))

	tenants, err := store.Tenants(ctx)
	require.NoError(t, err)
	want := []Tenant{{ID: "t1", Org: "globex"}, {ID: "t2", Org: "acme-renamed"}}
	if diff := cmp.Diff(want, tenants); diff != "" {
		t.Errorf("tenant list mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryStoreMatchesSQLiteSemantics(t *testing.T) {
	ctx := context.Background()
	for name, store := range map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLiteStore(t),
	} {
		t.Run(name, func(t *testing.T) {
			snap := sampleSnapshot("t1", "1")
			require.NoError(t, store.Upsert(ctx, snap))
			require.NoError(t, store.MarkOffline(ctx, "t1", "1", snap.LastChecked))

			got, err := store.List(ctx, "t1")
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "offline", got[0].Status)
		})
	}
}
