package rawpatient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/medsync/ire/internal/domain/canonical"
)

// Sentinel errors the ingest path reports. Handlers map them to HTTP codes;
// the worker pool maps them to requeue or dead-letter routing.
var (
	ErrRawInvalid        = errors.New("raw record rejected")
	ErrReconcileConflict = errors.New("reconcile conflict, retry later")
	ErrReconcileTimeout  = errors.New("reconcile timed out")
)

// Reconciler resolves a staged snapshot to a canonical patient. old is the
// previous snapshot of the same (source, his_number) pair, nil on first sight.
type Reconciler interface {
	ReconcileRaw(ctx context.Context, old, cur *Raw) (Outcome, error)
}

// Outcome reports what the engine did with one snapshot.
type Outcome struct {
	Decision    string    `json:"decision"`
	MatchType   string    `json:"match_type"`
	CanonicalID uuid.UUID `json:"canonical_id"`
	Attempts    int       `json:"attempts"`
}

// Service stages incoming snapshots and runs them through the reconciler.
type Service struct {
	repo Repository
	rec  Reconciler
}

func NewService(repo Repository, rec Reconciler) *Service {
	return &Service{repo: repo, rec: rec}
}

// Ingest validates and stores one snapshot, then reconciles it synchronously.
// The previous snapshot of the same pair is captured before the overwrite so
// the engine can tell an identity change from a plain data refresh.
func (s *Service) Ingest(ctx context.Context, r *Raw) (Outcome, error) {
	if err := validate(r); err != nil {
		return Outcome{}, err
	}

	old, err := s.repo.GetByHISSource(ctx, r.Source, r.HISNumber)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Outcome{}, fmt.Errorf("load previous snapshot: %w", err)
		}
		old = nil
	}

	if err := s.repo.Upsert(ctx, r); err != nil {
		return Outcome{}, err
	}

	return s.rec.ReconcileRaw(ctx, old, r)
}

// ResolveCanonical returns the canonical patient a (source, his_number) pair
// is linked to, or uuid.Nil when the pair is unknown or not yet reconciled.
func (s *Service) ResolveCanonical(ctx context.Context, source, hisNumber string) (uuid.UUID, error) {
	rec, err := s.repo.GetByHISSource(ctx, source, hisNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, nil
		}
		return uuid.Nil, err
	}
	if rec.CanonicalID == nil {
		return uuid.Nil, nil
	}
	return *rec.CanonicalID, nil
}

func validate(r *Raw) error {
	if r == nil {
		return fmt.Errorf("%w: empty payload", ErrRawInvalid)
	}
	r.HISNumber = strings.TrimSpace(r.HISNumber)
	if r.HISNumber == "" {
		return fmt.Errorf("%w: his_number is required", ErrRawInvalid)
	}
	if _, err := canonical.ParseSource(r.Source); err != nil {
		return fmt.Errorf("%w: %v", ErrRawInvalid, err)
	}
	if (r.DocType == nil) != (r.DocNumber == nil) {
		return fmt.Errorf("%w: doc_type and doc_number must be set together", ErrRawInvalid)
	}
	return nil
}
