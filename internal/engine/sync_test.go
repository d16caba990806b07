package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/p-blackswan/roomsync/internal/errors"
	"github.com/p-blackswan/roomsync/internal/gateway"
	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/pending"
)

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRun_TwoDevicesConverge(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	a, _ := newTestEngine(t, gw)
	b, _ := newTestEngine(t, gw, func(o *Options) { o.ActorID = "device-b" })
	startEngine(t, a)
	startEngine(t, b)
	require.Eventually(t, func() bool { return gw.Subscribers() == 6 }, 2*time.Second, 10*time.Millisecond)

	mutate(t, a, UpsertCycle(model.Cycle{ID: "c1", Name: "Cycle 1", Number: 1, StartDate: "2026-03-01"}))
	require.Eventually(t, func() bool { return len(b.State().Cycles) == 1 }, 2*time.Second, 10*time.Millisecond)

	mutate(t, a, UpsertItem(model.Item{ID: "i1", CycleID: "c1", Name: "Iron", Category: model.CategoryMedicine}))
	require.Eventually(t, func() bool {
		_, ok := itemByID(b.State(), "c1", "i1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	mutate(t, b, LogEvent("c1", model.CompletionEvent{ItemID: "i1"}))
	require.Eventually(t, func() bool {
		return len(a.State().Events["c1"]["i1"]) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "device-b", a.State().Events["c1"]["i1"][0].ActorID)

	assert.Eventually(t, func() bool {
		return len(a.PendingWrites()) == 0 && len(b.PendingWrites()) == 0
	}, 2*time.Second, 10*time.Millisecond, "every write is confirmed")
}

func TestRun_FailedWriteIsKeptAndRetried(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	var failing atomic.Bool
	failing.Store(true)
	gw.OnWrite(func(ctx context.Context, p model.Path, v any) error {
		if failing.Load() {
			return rerrors.NewGatewayError("set", p.String(), "UNAVAILABLE", "backend down")
		}
		return nil
	})

	e, _ := newTestEngine(t, gw)
	changes, unsubscribe := e.Subscribe()
	defer unsubscribe()
	startEngine(t, e)
	require.Eventually(t, func() bool { return gw.Subscribers() == 3 }, 2*time.Second, 10*time.Millisecond)

	st := mutate(t, e, UpsertCycle(model.Cycle{ID: "c1", Name: "Cycle 1", StartDate: "2026-03-01"}))
	require.Len(t, st.Cycles, 1, "optimistic state is visible immediately")

	require.Eventually(t, func() bool {
		en, ok := findPending(e, pending.EntityCycle)
		return ok && en.Status == pending.StatusFailed && e.SyncError() != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, e.State().Cycles, 1, "a failed write does not roll back")
	assert.NotEmpty(t, e.State().SyncError)

	sawSyncError := false
	for !sawSyncError {
		select {
		case c := <-changes:
			sawSyncError = c.Kind == ChangeSyncError
		case <-time.After(time.Second):
			t.Fatal("sync error was not published")
		}
	}

	failing.Store(false)
	require.NoError(t, e.Resync(context.Background()))
	assert.Eventually(t, func() bool {
		return e.SyncError() == nil && len(e.PendingWrites()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	remote, err := gw.ObserveOnce(context.Background(), model.CyclesPath())
	require.NoError(t, err)
	assert.True(t, remote.Exists)
}

func TestRun_ResubscribeConverges(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	e, _ := newTestEngine(t, gw)
	startEngine(t, e)

	mutate(t, e, UpsertCycle(model.Cycle{ID: "c1", Name: "Cycle 1", StartDate: "2026-03-01"}))
	require.Eventually(t, func() bool { return len(e.PendingWrites()) == 0 }, 2*time.Second, 10*time.Millisecond)
	before := e.State()

	gw.DropSubscriptions()
	require.NoError(t, gw.Set(model.ItemPath("c1", "i9"), map[string]any{"name": "Magnesium", "category": "medicine"}))

	require.Eventually(t, func() bool {
		_, ok := itemByID(e.State(), "c1", "i9")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	after := e.State()
	assert.Equal(t, before.Cycles, after.Cycles)

	// Following the same roots again reproduces the same state.
	require.NoError(t, e.Resync(context.Background()))
	assert.Equal(t, after.Items, e.State().Items)
}

func TestRun_DeletedCycleStopsFollowing(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	e, _ := newTestEngine(t, gw)
	startEngine(t, e)

	mutate(t, e, UpsertCycle(model.Cycle{ID: "c1", Name: "Cycle 1", StartDate: "2026-03-01"}))
	// Three roots plus five per-cycle sub-trees.
	require.Eventually(t, func() bool {
		return gw.Subscribers() == 8 && len(e.PendingWrites()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, gw.Set(model.CyclePath("c1"), nil))
	assert.Eventually(t, func() bool { return gw.Subscribers() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, e.State().Cycles)
}

// heldGateway shares a MemoryGateway but can hold back the snapshots one
// device receives, as a slow connection would. Only the latest held
// snapshot of each root is delivered on resume.
type heldGateway struct {
	*gateway.MemoryGateway
	mu      sync.Mutex
	release chan struct{} // nil while snapshots flow
}

func (h *heldGateway) hold() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.release == nil {
		h.release = make(chan struct{})
	}
}

func (h *heldGateway) resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.release != nil {
		close(h.release)
		h.release = nil
	}
}

func (h *heldGateway) gate() chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.release
}

func (h *heldGateway) Subscribe(ctx context.Context, p model.Path) (<-chan gateway.Snapshot, error) {
	in, err := h.MemoryGateway.Subscribe(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make(chan gateway.Snapshot)
	go func() {
		defer close(out)
		var next gateway.Snapshot
		have := false
		for {
			var send chan<- gateway.Snapshot
			gate := h.gate()
			if have && gate == nil {
				send = out
			}
			select {
			case s, ok := <-in:
				if !ok {
					return
				}
				next, have = s, true
			case send <- next:
				have = false
			case <-gate:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

const waitFor = 2 * time.Second

func ironItem(name string, order int) model.Item {
	return model.Item{ID: "i1", CycleID: "c1", Name: name, Category: model.CategoryMedicine, Order: order}
}

// startPair runs two devices on gw and seeds a cycle with one item that both
// see. Device a reads the room through held.
func startPair(t *testing.T, gw *gateway.MemoryGateway) (a, b *Engine, held *heldGateway) {
	t.Helper()
	held = &heldGateway{MemoryGateway: gw}
	a, _ = newTestEngine(t, held)
	b, _ = newTestEngine(t, gw, func(o *Options) { o.ActorID = "device-b" })
	startEngine(t, a)
	startEngine(t, b)
	require.Eventually(t, func() bool { return gw.Subscribers() == 6 }, waitFor, 10*time.Millisecond)

	mutate(t, a, UpsertCycle(model.Cycle{ID: "c1", Name: "Cycle 1", Number: 1, StartDate: "2026-03-01"}))
	mutate(t, a, UpsertItem(ironItem("Iron", 0)))
	require.Eventually(t, func() bool {
		_, ok := itemByID(b.State(), "c1", "i1")
		return ok && len(a.PendingWrites()) == 0 && len(b.PendingWrites()) == 0
	}, waitFor, 10*time.Millisecond)
	return a, b, held
}

func requireAcked(t *testing.T, e *Engine, typ pending.EntityType) {
	t.Helper()
	require.Eventually(t, func() bool {
		en, ok := findPending(e, typ)
		return ok && en.Acked()
	}, waitFor, 10*time.Millisecond)
}

func requireSettled(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool { return len(e.PendingWrites()) == 0 }, waitFor, 10*time.Millisecond)
}

func TestRun_AckedRenameYieldsToLaterRemoteRename(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	a, b, held := startPair(t, gw)

	held.hold()
	mutate(t, a, UpsertItem(ironItem("Iron A", 0)))
	requireAcked(t, a, pending.EntityItem)

	// Device b renames again after a's write landed but before a hears of it.
	require.Eventually(t, func() bool {
		it, _ := itemByID(b.State(), "c1", "i1")
		return it.Name == "Iron A"
	}, waitFor, 10*time.Millisecond)
	mutate(t, b, UpsertItem(ironItem("Iron B", 0)))
	requireSettled(t, b)

	held.resume()
	assert.Eventually(t, func() bool {
		it, _ := itemByID(a.State(), "c1", "i1")
		return it.Name == "Iron B" && len(a.PendingWrites()) == 0
	}, waitFor, 10*time.Millisecond, "the later remote name wins")
}

func TestRun_AckedFlagYieldsToLaterRemoteFlag(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	a, b, held := startPair(t, gw)

	held.hold()
	mutate(t, a, CollapseCategory("c1", model.CategoryMedicine, true))
	requireAcked(t, a, pending.EntityCollapsedCategory)

	require.Eventually(t, func() bool {
		return b.State().CollapsedCategories["c1"]["medicine"]
	}, waitFor, 10*time.Millisecond)
	mutate(t, b, CollapseCategory("c1", model.CategoryMedicine, false))
	requireSettled(t, b)

	held.resume()
	assert.Eventually(t, func() bool {
		return !a.State().CollapsedCategories["c1"]["medicine"] && len(a.PendingWrites()) == 0
	}, waitFor, 10*time.Millisecond)
}

func TestRun_AckedTimerYieldsToLaterRemoteStop(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	a, b, held := startPair(t, gw)
	ctx := context.Background()

	held.hold()
	started, err := a.StartTimer(ctx, "c1", model.CategoryMedicine, 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, model.PhaseRunning, started.Phase)
	requireAcked(t, a, pending.EntityTimer)

	require.Eventually(t, func() bool {
		return b.Timer().CorrelationID == started.CorrelationID
	}, waitFor, 10*time.Millisecond)
	_, err = b.StopTimer(ctx)
	require.NoError(t, err)
	requireSettled(t, b)

	held.resume()
	assert.Eventually(t, func() bool {
		return a.Timer().Phase == model.PhaseIdle && len(a.PendingWrites()) == 0
	}, waitFor, 10*time.Millisecond, "the remote stop is adopted")
}

func TestRun_AckedUnlogYieldsToLaterRemoteLog(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	a, b, held := startPair(t, gw)

	mutate(t, a, LogEvent("c1", model.CompletionEvent{ItemID: "i1"}))
	require.Eventually(t, func() bool {
		return len(b.State().Events["c1"]["i1"]) == 1 && len(a.PendingWrites()) == 0
	}, waitFor, 10*time.Millisecond)

	held.hold()
	mutate(t, a, UnlogEvent("c1", "i1", "2026-03-10"))
	requireAcked(t, a, pending.EntityEvent)

	require.Eventually(t, func() bool {
		return len(b.State().Events["c1"]["i1"]) == 0
	}, waitFor, 10*time.Millisecond)
	mutate(t, b, LogEvent("c1", model.CompletionEvent{ItemID: "i1"}))
	requireSettled(t, b)

	held.resume()
	assert.Eventually(t, func() bool {
		evs := a.State().Events["c1"]["i1"]
		return len(evs) == 1 && evs[0].ActorID == "device-b" && len(a.PendingWrites()) == 0
	}, waitFor, 10*time.Millisecond, "the re-log from the other device is kept")
}

func TestRun_ConcurrentEditsOfDifferentFieldsMerge(t *testing.T) {
	gw := gateway.NewMemoryGateway()
	a, _, heldA := startPair(t, gw)

	// A third device joins with its own slow connection.
	heldC := &heldGateway{MemoryGateway: gw}
	c, _ := newTestEngine(t, heldC, func(o *Options) { o.ActorID = "device-c" })
	startEngine(t, c)
	require.Eventually(t, func() bool {
		_, ok := itemByID(c.State(), "c1", "i1")
		return ok
	}, waitFor, 10*time.Millisecond)

	// Neither device sees the other's edit before making its own.
	heldA.hold()
	heldC.hold()
	mutate(t, a, UpsertItem(ironItem("Iron A", 0)))
	mutate(t, c, UpsertItem(ironItem("Iron", 7)))
	requireAcked(t, a, pending.EntityItem)
	requireAcked(t, c, pending.EntityItem)

	raw, err := gw.ObserveOnce(context.Background(), model.ItemPath("c1", "i1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"i1","cycleId":"c1","name":"Iron A","category":"medicine","order":7}`, string(raw.Value))

	heldA.resume()
	heldC.resume()
	for _, e := range []*Engine{a, c} {
		assert.Eventually(t, func() bool {
			it, _ := itemByID(e.State(), "c1", "i1")
			return it.Name == "Iron A" && it.Order == 7 && len(e.PendingWrites()) == 0
		}, waitFor, 10*time.Millisecond)
	}
}
