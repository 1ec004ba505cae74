package protocol

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence port for visit protocols.
type Repository interface {
	Create(ctx context.Context, p *Protocol) error
	ListByCanonical(ctx context.Context, canonicalID uuid.UUID, limit, offset int) ([]*Protocol, int, error)
}
