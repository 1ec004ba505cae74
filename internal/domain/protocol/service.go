package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/medsync/ire/internal/domain/canonical"
)

// ErrUnknownPatient means the (source, his_number) pair has no reconciled
// canonical patient yet, so the protocol has nothing to attach to.
var ErrUnknownPatient = errors.New("no canonical patient for this source and his number")

// ErrInvalidProtocol covers payload validation failures.
var ErrInvalidProtocol = errors.New("protocol rejected")

// Resolver maps a (source, his_number) pair to its canonical patient.
// Returns uuid.Nil when the pair is unknown or not yet reconciled.
type Resolver interface {
	ResolveCanonical(ctx context.Context, source, hisNumber string) (uuid.UUID, error)
}

// Service attaches incoming visit protocols to canonical patients.
type Service struct {
	repo     Repository
	resolver Resolver
}

func NewService(repo Repository, resolver Resolver) *Service {
	return &Service{repo: repo, resolver: resolver}
}

// Record re-keys the protocol from its HIS identifier to the canonical
// patient and stores it. Protocols for pairs the engine has not reconciled
// yet are rejected with ErrUnknownPatient; the adapter retries after the
// patient record goes through.
func (s *Service) Record(ctx context.Context, p *Protocol) error {
	p.HISNumber = strings.TrimSpace(p.HISNumber)
	if p.HISNumber == "" {
		return fmt.Errorf("%w: his_number is required", ErrInvalidProtocol)
	}
	if _, err := canonical.ParseSource(p.Source); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProtocol, err)
	}

	id, err := s.resolver.ResolveCanonical(ctx, p.Source, p.HISNumber)
	if err != nil {
		return fmt.Errorf("resolve canonical: %w", err)
	}
	if id == uuid.Nil {
		return fmt.Errorf("%w: %s/%s", ErrUnknownPatient, p.Source, p.HISNumber)
	}

	p.CanonicalID = id
	return s.repo.Create(ctx, p)
}

func (s *Service) ListByCanonical(ctx context.Context, canonicalID uuid.UUID, limit, offset int) ([]*Protocol, int, error) {
	return s.repo.ListByCanonical(ctx, canonicalID, limit, offset)
}
