package canonical

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medsync/ire/internal/platform/locks"
)

// ErrUnlockConflict means unlocking would re-expose identifiers that another
// unlocked patient has claimed in the meantime. The two records need manual
// review before the lock can come off.
var ErrUnlockConflict = errors.New("unlock would conflict with another patient")

// IdentityKeys returns the lock keys covering every identifier a patient
// currently holds: its canonical id, one key per populated HIS slot and the
// document pair when present. Locking and unlocking acquire this full set so
// no reconcile can race the visibility change.
func IdentityKeys(p *Patient) []string {
	keys := []string{locks.CanonicalKey(p.CanonicalID)}
	for _, src := range KnownSources() {
		if his := p.HISNumber(src); his != "" {
			keys = append(keys, locks.SourceHISKey(string(src), his))
		}
	}
	if p.HasDocument() {
		keys = append(keys, locks.DocumentKey(*p.DocType, *p.DocNumber))
	}
	return locks.Normalize(keys)
}

// Service exposes canonical patient reads and the matching lock switch.
type Service struct {
	repo  Repository
	locks locks.Manager
}

func NewService(repo Repository, lockMgr locks.Manager) *Service {
	return &Service{repo: repo, locks: lockMgr}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Search(ctx context.Context, q string, limit, offset int) ([]*Patient, int, error) {
	return s.repo.Search(ctx, q, limit, offset)
}

// Lock freezes a patient: matching lookups stop seeing it and the engine
// stops touching its identity fields. Requires a non-empty reason.
func (s *Service) Lock(ctx context.Context, id uuid.UUID, reason string) (*Patient, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("lock reason is required")
	}

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.Acquire(ctx, IdentityKeys(p))
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.repo.SetLock(ctx, id, true, &reason); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

// Unlock lifts the matching lock. The row re-enters the partial unique
// indexes on that flip, so a collision with identifiers claimed while the
// patient was locked surfaces here as ErrUnlockConflict.
func (s *Service) Unlock(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.Acquire(ctx, IdentityKeys(p))
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.repo.SetLock(ctx, id, false, nil); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrUnlockConflict, pgErr.ConstraintName)
		}
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}
