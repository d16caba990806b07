package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/p-blackswan/roomsync/internal/errors"
	"github.com/p-blackswan/roomsync/internal/model"
)

func recv(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestMemoryGateway_SubscribeDeliversInitialAndUpdates(t *testing.T) {
	g := NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := g.Subscribe(ctx, model.UnitsPath())
	require.NoError(t, err)

	first := recv(t, ch)
	assert.False(t, first.Exists)
	assert.JSONEq(t, `null`, string(first.Value))

	require.NoError(t, g.WriteValue(ctx, model.UnitPath("u1"), model.Unit{ID: "u1", Name: "mg"}))
	snap := recv(t, ch)
	assert.True(t, snap.Exists)
	assert.JSONEq(t, `{"u1":{"id":"u1","name":"mg"}}`, string(snap.Value))
}

func TestMemoryGateway_Conflates(t *testing.T) {
	g := NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := g.Subscribe(ctx, model.TimerPath())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, g.Set(model.TimerPath(), map[string]any{"isActive": false, "correlationId": string(rune('a' + i))}))
	}

	snap := recv(t, ch)
	var v map[string]any
	require.NoError(t, json.Unmarshal(snap.Value, &v))
	assert.Equal(t, "e", v["correlationId"])

	select {
	case <-ch:
		t.Fatal("expected only the latest snapshot")
	default:
	}
}

func TestMemoryGateway_DeletePrunes(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	path := model.EventPath("c1", "i1", "2024-01-02")
	require.NoError(t, g.Set(path, map[string]any{"timestamp": "2024-01-02T08:00:00Z"}))
	snap, err := g.ObserveOnce(ctx, model.EventsPath("c1"))
	require.NoError(t, err)
	assert.True(t, snap.Exists)

	require.NoError(t, g.Set(path, nil))
	snap, err = g.ObserveOnce(ctx, model.EventsPath("c1"))
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Empty(t, g.root)
}

func TestMemoryGateway_UnrelatedWriteNotDelivered(t *testing.T) {
	g := NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := g.Subscribe(ctx, model.ItemsPath("c1"))
	require.NoError(t, err)
	recv(t, ch)

	require.NoError(t, g.Set(model.ItemPath("c2", "x"), map[string]any{"name": "x"}))
	select {
	case <-ch:
		t.Fatal("write to another cycle should not notify")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryGateway_WriteHook(t *testing.T) {
	g := NewMemoryGateway()
	g.OnWrite(func(ctx context.Context, path model.Path, value any) error {
		return rerrors.NewGatewayError("set", path.String(), "TIMEOUT", "slow")
	})

	err := g.WriteValue(context.Background(), model.UnitPath("u1"), map[string]any{"name": "mg"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rerrors.ErrTimeout))
	assert.Equal(t, 0, g.Writes())

	snap, err := g.ObserveOnce(context.Background(), model.UnitsPath())
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestMemoryGateway_CancelAndDrop(t *testing.T) {
	g := NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := g.Subscribe(ctx, model.CyclesPath())
	require.NoError(t, err)
	recv(t, ch)
	cancel()

	assert.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return g.Subscribers() == 0 }, time.Second, 10*time.Millisecond)

	ch2, err := g.Subscribe(context.Background(), model.CyclesPath())
	require.NoError(t, err)
	recv(t, ch2)
	g.DropSubscriptions()
	_, ok := <-ch2
	assert.False(t, ok)
}
