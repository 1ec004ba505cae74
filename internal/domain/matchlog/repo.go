package matchlog

import (
	"context"
	"time"
)

// Repository is the persistence port for the decision trail. The table is
// append-only; there are no update or delete operations.
type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	List(ctx context.Context, limit, offset int) ([]*Entry, int, error)
	TypeCounts(ctx context.Context, since time.Time) ([]TypeCount, error)
	LastEntryAt(ctx context.Context) (*time.Time, error)
}
