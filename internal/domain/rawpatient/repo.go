package rawpatient

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence port for staged raw records.
type Repository interface {
	// Upsert inserts the snapshot or, when the (source, his_number) pair
	// already exists, overwrites its adapter-owned fields and clears
	// processed_at. The canonical link survives the overwrite.
	Upsert(ctx context.Context, r *Raw) error
	GetByID(ctx context.Context, rawID int64) (*Raw, error)
	GetByHISSource(ctx context.Context, source, hisNumber string) (*Raw, error)
	// Stamp marks the record reconciled against the given canonical patient.
	Stamp(ctx context.Context, rawID int64, canonicalID uuid.UUID) error
	ListUnprocessed(ctx context.Context, limit int) ([]*Raw, error)
	CountUnprocessed(ctx context.Context) (int, error)
	ListByCanonical(ctx context.Context, canonicalID uuid.UUID) ([]*Raw, error)
}
