package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rerrors "github.com/p-blackswan/roomsync/internal/errors"
	"github.com/p-blackswan/roomsync/internal/model"
)

// Blob kinds.
const (
	KindCycles              = "cycles"
	KindItems               = "items"
	KindGroups              = "groups"
	KindUnits               = "units"
	KindEvents              = "events"
	KindCollapsedCategories = "collapsed_categories"
	KindCollapsedGroups     = "collapsed_groups"
)

// Cache is everything the store holds about a room, used for cold start.
type Cache struct {
	Cycles              []model.Cycle
	Items               map[string][]model.Item
	Groups              map[string][]model.GroupedItem
	Units               []model.Unit
	Events              map[string]map[string][]model.CompletionEvent
	CollapsedCategories map[string]map[string]bool
	CollapsedGroups     map[string]map[string]bool
}

// PutBlob serializes v as JSON and stores it under kind and scope.
func (s *Store) PutBlob(ctx context.Context, kind, scope string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", kind, scope, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blobs (kind, scope, data, updated_at) VALUES (?, ?, ?, ?)`,
		kind, scope, data, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save %s/%s: %v: %w", kind, scope, err, rerrors.ErrPersistence)
	}
	return nil
}

// GetBlob loads the blob stored under kind and scope into v. It returns false
// when no blob exists.
func (s *Store) GetBlob(ctx context.Context, kind, scope string, v any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM blobs WHERE kind = ? AND scope = ?`, kind, scope,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s/%s: %w", kind, scope, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", kind, scope, err)
	}
	return true, nil
}

// Scopes returns every scope stored for kind.
func (s *Store) Scopes(ctx context.Context, kind string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT scope FROM blobs WHERE kind = ? ORDER BY scope`, kind)
	if err != nil {
		return nil, fmt.Errorf("list scopes of %s: %w", kind, err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// DeleteScope removes every blob of a cycle.
func (s *Store) DeleteScope(ctx context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("delete scope %s: %v: %w", scope, err, rerrors.ErrPersistence)
	}
	return nil
}

// PutCycles stores the cycle list.
func (s *Store) PutCycles(ctx context.Context, cycles []model.Cycle) error {
	return s.PutBlob(ctx, KindCycles, "", cycles)
}

// PutItems stores the items of a cycle.
func (s *Store) PutItems(ctx context.Context, cycleID string, items []model.Item) error {
	return s.PutBlob(ctx, KindItems, cycleID, items)
}

// PutGroups stores the grouped items of a cycle.
func (s *Store) PutGroups(ctx context.Context, cycleID string, groups []model.GroupedItem) error {
	return s.PutBlob(ctx, KindGroups, cycleID, groups)
}

// PutUnits stores the unit list.
func (s *Store) PutUnits(ctx context.Context, units []model.Unit) error {
	return s.PutBlob(ctx, KindUnits, "", units)
}

// PutEvents stores the completion events of a cycle.
func (s *Store) PutEvents(ctx context.Context, cycleID string, events map[string][]model.CompletionEvent) error {
	return s.PutBlob(ctx, KindEvents, cycleID, events)
}

// PutCollapsed stores the display flags of a cycle.
func (s *Store) PutCollapsed(ctx context.Context, cycleID string, categories, groups map[string]bool) error {
	if err := s.PutBlob(ctx, KindCollapsedCategories, cycleID, categories); err != nil {
		return err
	}
	return s.PutBlob(ctx, KindCollapsedGroups, cycleID, groups)
}

// LoadCache reads every stored blob. A blob that fails to decode is logged
// and skipped.
func (s *Store) LoadCache(ctx context.Context) (*Cache, error) {
	c := &Cache{
		Items:               make(map[string][]model.Item),
		Groups:              make(map[string][]model.GroupedItem),
		Events:              make(map[string]map[string][]model.CompletionEvent),
		CollapsedCategories: make(map[string]map[string]bool),
		CollapsedGroups:     make(map[string]map[string]bool),
	}

	if _, err := s.GetBlob(ctx, KindCycles, "", &c.Cycles); err != nil {
		s.logger.Warn().Err(err).Msg("skipping cached cycles")
	}
	if _, err := s.GetBlob(ctx, KindUnits, "", &c.Units); err != nil {
		s.logger.Warn().Err(err).Msg("skipping cached units")
	}

	if err := loadScoped(ctx, s, KindItems, c.Items); err != nil {
		return nil, err
	}
	if err := loadScoped(ctx, s, KindGroups, c.Groups); err != nil {
		return nil, err
	}
	if err := loadScoped(ctx, s, KindEvents, c.Events); err != nil {
		return nil, err
	}
	if err := loadScoped(ctx, s, KindCollapsedCategories, c.CollapsedCategories); err != nil {
		return nil, err
	}
	if err := loadScoped(ctx, s, KindCollapsedGroups, c.CollapsedGroups); err != nil {
		return nil, err
	}
	return c, nil
}

func loadScoped[T any](ctx context.Context, s *Store, kind string, into map[string]T) error {
	scopes, err := s.Scopes(ctx, kind)
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		var v T
		if _, err := s.GetBlob(ctx, kind, scope, &v); err != nil {
			s.logger.Warn().Err(err).Str("kind", kind).Str("scope", scope).Msg("skipping cached blob")
			continue
		}
		into[scope] = v
	}
	return nil
}
