// Package cursor tracks how far into the upstream catalog the processor has
// durably mirrored.
package cursor

import (
	"context"
	"time"
)

// CatalogCursorName is the name under which the catalog processor stores its
// cursor.
const CatalogCursorName = "catalog"

// Store persists named high-water marks.
type Store interface {
	// Get returns the stored cursor value. ok is false if the cursor was
	// never set.
	Get(ctx context.Context, name string) (value time.Time, ok bool, err error)

	// Set stores the cursor value, overwriting any previous one.
	Set(ctx context.Context, name string, value time.Time) error
}
