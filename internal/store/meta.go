package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	rerrors "github.com/p-blackswan/roomsync/internal/errors"
	"github.com/p-blackswan/roomsync/internal/model"
)

const metaLastReset = "last_reset_date"

// GetMeta returns a metadata value.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta stores a metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("failed to set meta %s: %v: %w", key, err, rerrors.ErrPersistence)
	}
	return nil
}

// LastResetDate returns the day of the last daily rollover.
func (s *Store) LastResetDate(ctx context.Context) (model.Day, bool, error) {
	v, ok, err := s.GetMeta(ctx, metaLastReset)
	if err != nil || !ok {
		return "", false, err
	}
	day, err := model.ParseDay(v)
	if err != nil {
		return "", false, nil
	}
	return day, true, nil
}

// SetLastResetDate records the day of the last daily rollover.
func (s *Store) SetLastResetDate(ctx context.Context, day model.Day) error {
	return s.SetMeta(ctx, metaLastReset, string(day))
}
