package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/roomsync/internal/model"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "roomsync.db")
	store, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	return store, dbPath
}

func cleanupStore(t *testing.T, store *Store, dbPath string) {
	if store != nil {
		store.Close()
	}
	os.Remove(dbPath)
}

func TestNew_CreatesDB(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	for _, table := range []string{"blobs", "meta"} {
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	v, ok, err := store.GetMeta(context.Background(), "schema_version")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestNew_Reopen(t *testing.T) {
	store, dbPath := newTestStore(t)
	require.NoError(t, store.PutUnits(context.Background(), []model.Unit{{ID: "u1", Name: "mg"}}))
	require.NoError(t, store.Close())

	reopened, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer cleanupStore(t, reopened, dbPath)

	cache, err := reopened.LoadCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Unit{{ID: "u1", Name: "mg"}}, cache.Units)
}

func TestBlobs_RoundTrip(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)
	ctx := context.Background()

	dose := 1.5
	cycles := []model.Cycle{{ID: "c1", Name: "One", Number: 1, StartDate: "2024-01-01"}}
	items := []model.Item{{ID: "i1", CycleID: "c1", Name: "Iron", Category: model.CategoryMedicine, Dose: &dose, Unit: "mg"}}
	groups := []model.GroupedItem{{ID: "g1", CycleID: "c1", Name: "AM", Category: model.CategoryMedicine, ItemIDs: []string{"i1"}}}
	events := map[string][]model.CompletionEvent{
		"i1": {{ItemID: "i1", Timestamp: time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), ActorID: "alice"}},
	}

	require.NoError(t, store.PutCycles(ctx, cycles))
	require.NoError(t, store.PutItems(ctx, "c1", items))
	require.NoError(t, store.PutGroups(ctx, "c1", groups))
	require.NoError(t, store.PutEvents(ctx, "c1", events))
	require.NoError(t, store.PutCollapsed(ctx, "c1", map[string]bool{"medicine": true}, map[string]bool{"g1": true}))

	cache, err := store.LoadCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, cycles, cache.Cycles)
	assert.Equal(t, items, cache.Items["c1"])
	assert.Equal(t, groups, cache.Groups["c1"])
	require.Len(t, cache.Events["c1"]["i1"], 1)
	assert.True(t, events["i1"][0].Timestamp.Equal(cache.Events["c1"]["i1"][0].Timestamp))
	assert.True(t, cache.CollapsedCategories["c1"]["medicine"])
	assert.True(t, cache.CollapsedGroups["c1"]["g1"])
}

func TestBlobs_Overwrite(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)
	ctx := context.Background()

	require.NoError(t, store.PutUnits(ctx, []model.Unit{{ID: "u1", Name: "mg"}}))
	require.NoError(t, store.PutUnits(ctx, []model.Unit{{ID: "u2", Name: "ml"}}))

	var units []model.Unit
	ok, err := store.GetBlob(ctx, KindUnits, "", &units)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []model.Unit{{ID: "u2", Name: "ml"}}, units)

	ok, err = store.GetBlob(ctx, KindItems, "missing", &units)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadCache_SkipsCorruptBlob(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)
	ctx := context.Background()

	require.NoError(t, store.PutItems(ctx, "c1", []model.Item{{ID: "i1", Name: "x", Category: model.CategoryMedicine}}))
	_, err := store.db.Exec(`INSERT INTO blobs (kind, scope, data, updated_at) VALUES ('items', 'c2', 'not json', 0)`)
	require.NoError(t, err)

	cache, err := store.LoadCache(ctx)
	require.NoError(t, err)
	assert.Len(t, cache.Items["c1"], 1)
	_, ok := cache.Items["c2"]
	assert.False(t, ok)
}

func TestLastResetDate(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)
	ctx := context.Background()

	_, ok, err := store.LastResetDate(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetLastResetDate(ctx, "2024-01-02"))
	day, ok, err := store.LastResetDate(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.Day("2024-01-02"), day)
}

func TestPurgeCycles(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)
	ctx := context.Background()

	require.NoError(t, store.PutCycles(ctx, nil))
	require.NoError(t, store.PutItems(ctx, "c1", nil))
	require.NoError(t, store.PutItems(ctx, "c2", nil))
	require.NoError(t, store.PutEvents(ctx, "c2", nil))

	n, err := store.PurgeCycles(ctx, []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	scopes, err := store.Scopes(ctx, KindItems)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, scopes)

	require.NoError(t, store.DeleteScope(ctx, "c1"))
	scopes, err = store.Scopes(ctx, KindItems)
	require.NoError(t, err)
	assert.Empty(t, scopes)

	var cycles []model.Cycle
	ok, err := store.GetBlob(ctx, KindCycles, "", &cycles)
	require.NoError(t, err)
	assert.True(t, ok, "unscoped blobs survive")
}

func TestDBSize(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	size, err := store.DBSizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
	assert.NoError(t, store.Ping(context.Background()))
}
