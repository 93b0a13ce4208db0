package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresSnapshotChecker is the archive tier of snapshot dedup.
type PostgresSnapshotChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresSnapshotChecker(db *sql.DB) *PostgresSnapshotChecker {
	return &PostgresSnapshotChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsArchived reports whether the snapshot of slab at slot was persisted.
func (c *PostgresSnapshotChecker) IsArchived(slab string, slot uint64) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1
		FROM market_archive.snapshots
		WHERE slab = $1 AND slot = $2
		LIMIT 1
	`, slab, int64(slot)).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
