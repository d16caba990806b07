package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/p-blackswan/roomsync/internal/model"
)

// WriteHook intercepts writes to a MemoryGateway. Returning an error fails
// the write without applying it. Hooks may block to simulate latency.
type WriteHook func(ctx context.Context, path model.Path, value any) error

// MemoryGateway is an in-process Gateway backed by a JSON tree. It is used
// for tests and for running a single device without a server.
type MemoryGateway struct {
	mu     sync.Mutex
	root   map[string]any
	subs   map[*subscriber]struct{}
	hook   WriteHook
	writes int
}

// NewMemoryGateway creates an empty MemoryGateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		root: make(map[string]any),
		subs: make(map[*subscriber]struct{}),
	}
}

// OnWrite installs a hook called before each WriteValue.
func (g *MemoryGateway) OnWrite(hook WriteHook) {
	g.mu.Lock()
	g.hook = hook
	g.mu.Unlock()
}

// Writes returns the number of applied WriteValue calls.
func (g *MemoryGateway) Writes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writes
}

// Subscribe implements Gateway.
func (g *MemoryGateway) Subscribe(ctx context.Context, path model.Path) (<-chan Snapshot, error) {
	sub := newSubscriber(path)

	g.mu.Lock()
	g.subs[sub] = struct{}{}
	sub.deliver(g.snapshotLocked(path))
	g.mu.Unlock()

	go func() {
		<-ctx.Done()
		g.mu.Lock()
		delete(g.subs, sub)
		g.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

// WriteValue implements Gateway.
func (g *MemoryGateway) WriteValue(ctx context.Context, path model.Path, value any) error {
	g.mu.Lock()
	hook := g.hook
	g.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, path, value); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.Set(path, value)
}

// Set writes a value without running the write hook, as another device would.
func (g *MemoryGateway) Set(path model.Path, value any) error {
	norm, err := normalize(value)
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", path, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	setNode(g.root, path.Keys(), norm)
	g.writes++
	// Delivering under the lock keeps snapshots in write order.
	for sub := range g.subs {
		if related(sub.path, path) {
			sub.deliver(g.snapshotLocked(sub.path))
		}
	}
	return nil
}

// ObserveOnce implements Gateway.
func (g *MemoryGateway) ObserveOnce(ctx context.Context, path model.Path) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked(path), nil
}

// DropSubscriptions closes every open subscription channel, as a lost
// connection would.
func (g *MemoryGateway) DropSubscriptions() {
	g.mu.Lock()
	subs := g.subs
	g.subs = make(map[*subscriber]struct{})
	g.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
}

// Subscribers returns the number of open subscriptions.
func (g *MemoryGateway) Subscribers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

func (g *MemoryGateway) snapshotLocked(path model.Path) Snapshot {
	node, ok := getNode(g.root, path.Keys())
	snap := Snapshot{Path: path, Exists: ok}
	if !ok {
		snap.Value = json.RawMessage("null")
		return snap
	}
	data, err := json.Marshal(node)
	if err != nil {
		snap.Value = json.RawMessage("null")
		snap.Exists = false
		return snap
	}
	snap.Value = data
	return snap
}

// normalize converts value into the generic JSON representation stored in
// the tree.
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func getNode(root map[string]any, keys []string) (any, bool) {
	var cur any = root
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setNode stores value at keys. A nil value removes the node and prunes
// parents left empty.
func setNode(root map[string]any, keys []string, value any) {
	if len(keys) == 0 {
		return
	}
	if len(keys) == 1 {
		if value == nil {
			delete(root, keys[0])
			return
		}
		root[keys[0]] = value
		return
	}
	child, ok := root[keys[0]].(map[string]any)
	if !ok {
		if value == nil {
			return
		}
		child = make(map[string]any)
		root[keys[0]] = child
	}
	setNode(child, keys[1:], value)
	if len(child) == 0 {
		delete(root, keys[0])
	}
}
