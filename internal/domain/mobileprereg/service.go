package mobileprereg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medsync/ire/internal/domain/canonical"
)

// ErrNoHISNumber means a registration named no source system at all.
var ErrNoHISNumber = errors.New("at least one his number is required")

// Service handles mobile-app pre-registrations.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Register reserves a canonical id for the given HIS numbers. Registering a
// pair that is already known returns the existing reservation with
// created=false instead of an error, so the app can safely retry.
func (s *Service) Register(ctx context.Context, qms, infoclinica *string) (*Prereg, bool, error) {
	qms = normalize(qms)
	infoclinica = normalize(infoclinica)
	if qms == nil && infoclinica == nil {
		return nil, false, ErrNoHISNumber
	}

	p := &Prereg{HISNumberQMS: qms, HISNumberInfoclinica: infoclinica}
	err := s.repo.Create(ctx, p)
	if err == nil {
		return p, true, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil, false, err
	}

	existing, lookupErr := s.findExisting(ctx, qms, infoclinica)
	if lookupErr != nil {
		return nil, false, fmt.Errorf("prereg conflict on %s: %w", pgErr.ConstraintName, err)
	}
	return existing, false, nil
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.repo.Stats(ctx)
}

func (s *Service) findExisting(ctx context.Context, qms, infoclinica *string) (*Prereg, error) {
	if qms != nil {
		p, err := s.repo.GetBySourceHIS(ctx, canonical.SourceQMS, *qms)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}
	if infoclinica != nil {
		return s.repo.GetBySourceHIS(ctx, canonical.SourceInfoclinica, *infoclinica)
	}
	return nil, pgx.ErrNoRows
}

func normalize(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
