package store

import (
	"context"
	"fmt"
	"strings"
)

// PurgeCycles deletes cached blobs of cycles that no longer exist. Blobs
// without a scope are kept.
func (s *Store) PurgeCycles(ctx context.Context, keep []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "DELETE FROM blobs WHERE scope <> ''"
	args := make([]any, 0, len(keep))
	if len(keep) > 0 {
		query += " AND scope NOT IN (?" + strings.Repeat(", ?", len(keep)-1) + ")"
		for _, id := range keep {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge cycles: %w", err)
	}
	return res.RowsAffected()
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}

	err = s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
