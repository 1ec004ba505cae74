package mobileprereg

import (
	"context"

	"github.com/google/uuid"

	"github.com/medsync/ire/internal/domain/canonical"
)

// Repository is the persistence port for mobile pre-registrations.
type Repository interface {
	Create(ctx context.Context, p *Prereg) error
	GetBySourceHIS(ctx context.Context, src canonical.Source, hisNumber string) (*Prereg, error)
	GetByCanonicalID(ctx context.Context, canonicalID uuid.UUID) (*Prereg, error)
	Stats(ctx context.Context) (*Stats, error)
}
