package pending

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/roomsync/internal/model"
)

func fixedNow() time.Time { return time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC) }

func itemKey(id string) Key { return Key{Type: EntityItem, Scope: "c1", ID: id} }

func TestRecord_WidensFields(t *testing.T) {
	tr := NewTracker(fixedNow)
	first := tr.Record(itemKey("i1"), OpUpsert, model.ItemPath("c1", "i1"), nil, []string{"name"})
	second := tr.Record(itemKey("i1"), OpUpsert, model.ItemPath("c1", "i1"), nil, []string{"order"})

	assert.NotEqual(t, first.MutationID, second.MutationID)
	assert.True(t, second.Covers("name"))
	assert.True(t, second.Covers("order"))
	assert.False(t, second.Covers("category"))
	assert.Equal(t, 1, tr.Len())
}

func TestRecord_NilFieldsCoverAll(t *testing.T) {
	tr := NewTracker(fixedNow)
	tr.Record(itemKey("i1"), OpUpsert, model.ItemPath("c1", "i1"), nil, []string{"name"})
	e := tr.Record(itemKey("i1"), OpUpsert, model.ItemPath("c1", "i1"), nil, nil)
	assert.True(t, e.Covers("anything"))
}

func TestRecord_DeleteReplacesUpsert(t *testing.T) {
	tr := NewTracker(fixedNow)
	tr.Record(itemKey("i1"), OpUpsert, model.ItemPath("c1", "i1"), nil, []string{"name"})
	e := tr.Record(itemKey("i1"), OpDelete, model.ItemPath("c1", "i1"), nil, nil)

	assert.Equal(t, OpDelete, e.Op)
	assert.False(t, e.Covers("name"))
}

func TestMarkSentAndFailed_IgnoreSuperseded(t *testing.T) {
	tr := NewTracker(fixedNow)
	old := tr.Record(itemKey("i1"), OpUpsert, model.ItemPath("c1", "i1"), nil, nil)
	cur := tr.Record(itemKey("i1"), OpUpsert, model.ItemPath("c1", "i1"), nil, nil)

	tr.MarkFailed(itemKey("i1"), old.MutationID, errors.New("boom"))
	e, ok := tr.Get(itemKey("i1"))
	require.True(t, ok)
	assert.Equal(t, StatusQueued, e.Status)
	assert.False(t, tr.Current(itemKey("i1"), old.MutationID))
	assert.True(t, tr.Current(itemKey("i1"), cur.MutationID))

	tr.MarkFailed(itemKey("i1"), cur.MutationID, errors.New("boom"))
	failed := tr.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].LastErr)
	assert.Equal(t, 1, failed[0].Attempts)

	tr.MarkSent(itemKey("i1"), cur.MutationID)
	assert.Empty(t, tr.Failed())

	e, ok = tr.Requeue(itemKey("i1"))
	require.True(t, ok)
	assert.Equal(t, StatusQueued, e.Status)
}

func TestAcked_OnlyAfterSuccessfulDelivery(t *testing.T) {
	tr := NewTracker(fixedNow)
	e := tr.Record(itemKey("i1"), OpUpsert, model.ItemPath("c1", "i1"), nil, []string{"name"})
	assert.False(t, e.Acked())

	tr.MarkFailed(itemKey("i1"), e.MutationID, errors.New("offline"))
	got, _ := tr.Get(itemKey("i1"))
	assert.False(t, got.Acked())

	tr.MarkSent(itemKey("i1"), e.MutationID)
	got, _ = tr.Get(itemKey("i1"))
	assert.True(t, got.Acked())

	// A newer edit is not acked by the older delivery.
	next := tr.Record(itemKey("i1"), OpUpsert, model.ItemPath("c1", "i1"), nil, []string{"order"})
	assert.False(t, next.Acked())
	requeued, ok := tr.Requeue(itemKey("i1"))
	require.True(t, ok)
	assert.False(t, requeued.Acked())
}

func TestConfirm(t *testing.T) {
	tr := NewTracker(fixedNow)
	tr.Record(itemKey("i1"), OpUpsert, model.ItemPath("c1", "i1"), nil, nil)

	assert.True(t, tr.Confirm(itemKey("i1")))
	assert.False(t, tr.Confirm(itemKey("i1")))
	assert.Equal(t, 0, tr.Len())
}

func TestEntries_FilterAndOrder(t *testing.T) {
	tr := NewTracker(fixedNow)
	tr.Record(itemKey("b"), OpUpsert, model.ItemPath("c1", "b"), nil, nil)
	tr.Record(itemKey("a"), OpUpsert, model.ItemPath("c1", "a"), nil, nil)
	tr.Record(Key{Type: EntityItem, Scope: "c2", ID: "z"}, OpUpsert, model.ItemPath("c2", "z"), nil, nil)
	tr.Record(Key{Type: EntityUnit, ID: "u"}, OpDelete, model.UnitPath("u"), nil, nil)

	c1 := tr.Entries(EntityItem, "c1")
	require.Len(t, c1, 2)
	assert.Equal(t, "a", c1[0].Key.ID)
	assert.Len(t, tr.Entries(EntityItem, ""), 3)
	assert.Len(t, tr.Entries(EntityUnit, ""), 1)
	assert.Len(t, tr.All(), 4)

	assert.Equal(t, 2, tr.DropScope("c1"))
	assert.Equal(t, 2, tr.Len())
}
