// Package sqlcursorstore contains a SQL implementation of cursor.Store.
package sqlcursorstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/nuget-trends/nuget-trends/go/cursor"
	"github.com/nuget-trends/nuget-trends/go/skerr"
)

type StoreImpl struct {
	db *pgxpool.Pool
}

// New returns a SQL based implementation of cursor.Store.
func New(db *pgxpool.Pool) *StoreImpl {
	return &StoreImpl{db: db}
}

// Get implements the cursor.Store interface.
func (s *StoreImpl) Get(ctx context.Context, name string) (time.Time, bool, error) {
	var value time.Time
	err := s.db.QueryRow(ctx, `
SELECT value FROM cursors WHERE name = $1`, name).Scan(&value)
	if err == pgx.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, skerr.Wrapf(err, "reading cursor %q", name)
	}
	return value, true, nil
}

// Set implements the cursor.Store interface.
func (s *StoreImpl) Set(ctx context.Context, name string, value time.Time) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO cursors (name, value)
VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET value = excluded.value`, name, value)
	return skerr.Wrapf(err, "writing cursor %q", name)
}

// Make sure StoreImpl fulfills the cursor.Store interface.
var _ cursor.Store = (*StoreImpl)(nil)
