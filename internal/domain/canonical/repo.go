package canonical

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence port for canonical patients. The matching
// lookups (GetBySourceHIS, GetByDocument) see only unlocked rows; GetByID
// sees everything, which is how the engine detects locked targets.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetBySourceHIS(ctx context.Context, src Source, hisNumber string) (*Patient, error)
	GetByDocument(ctx context.Context, docType int16, docNumber int64) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, q string, limit, offset int) ([]*Patient, int, error)
	SetLock(ctx context.Context, id uuid.UUID, locked bool, reason *string) error
}
