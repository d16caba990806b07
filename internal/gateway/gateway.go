// Package gateway connects the engine to the shared remote tree. A Gateway
// delivers full snapshots of a subscribed sub-tree and accepts writes of
// individual nodes.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/p-blackswan/roomsync/internal/model"
)

// Snapshot is the complete value of a sub-tree at one point in time.
type Snapshot struct {
	Path   model.Path
	Value  json.RawMessage
	Exists bool
}

// Gateway is the remote realtime store.
//
// Subscribe delivers the current value of path and every later value. Only
// the latest undelivered snapshot is kept, so a slow consumer never sees
// stale intermediate states. The channel is closed when ctx is cancelled or
// the subscription is lost; callers resubscribe to recover.
//
// WriteValue sets the node at path. A nil value deletes it.
type Gateway interface {
	Subscribe(ctx context.Context, path model.Path) (<-chan Snapshot, error)
	WriteValue(ctx context.Context, path model.Path, value any) error
	ObserveOnce(ctx context.Context, path model.Path) (Snapshot, error)
}

// subscriber is a conflating single-slot mailbox.
type subscriber struct {
	path   model.Path
	mu     sync.Mutex
	ch     chan Snapshot
	closed bool
}

func newSubscriber(path model.Path) *subscriber {
	return &subscriber{path: path, ch: make(chan Snapshot, 1)}
}

// deliver replaces any undelivered snapshot with snap.
func (s *subscriber) deliver(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// related reports whether a write at w changes the sub-tree at p.
func related(p, w model.Path) bool {
	return p.Contains(w) || w.Contains(p)
}
