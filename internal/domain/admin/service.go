package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/medsync/ire/internal/domain/canonical"
	"github.com/medsync/ire/internal/domain/matchlog"
	"github.com/medsync/ire/internal/domain/mobileprereg"
	"github.com/medsync/ire/internal/domain/protocol"
	"github.com/medsync/ire/internal/domain/rawpatient"
	"github.com/medsync/ire/internal/domain/reconcile"
)

// detailProtocolLimit caps how many protocols the detail view inlines. The
// full history stays reachable through the protocols listing.
const detailProtocolLimit = 100

// Reconciler is the slice of the engine the admin surface drives directly:
// manual replays and operator merges.
type Reconciler interface {
	Reconcile(ctx context.Context, ev reconcile.Event) (reconcile.Result, error)
	ManualMerge(ctx context.Context, winnerID, loserID uuid.UUID) error
}

// WorkerPool reports background pipeline statistics.
type WorkerPool interface {
	Stats() reconcile.PoolStats
}

// Service is the operator console: lock management, manual replays and
// merges, search and drill-down, and pipeline statistics.
type Service struct {
	patients  *canonical.Service
	raws      rawpatient.Repository
	protocols protocol.Repository
	preregs   mobileprereg.Repository
	logs      *matchlog.Service
	engine    Reconciler
	pool      WorkerPool
}

func NewService(
	patients *canonical.Service,
	raws rawpatient.Repository,
	protocols protocol.Repository,
	preregs mobileprereg.Repository,
	logs *matchlog.Service,
	engine Reconciler,
	pool WorkerPool,
) *Service {
	return &Service{
		patients:  patients,
		raws:      raws,
		protocols: protocols,
		preregs:   preregs,
		logs:      logs,
		engine:    engine,
		pool:      pool,
	}
}

// Lock freezes a patient out of matching. Returns the updated row.
func (s *Service) Lock(ctx context.Context, id uuid.UUID, reason string) (*canonical.Patient, error) {
	return s.patients.Lock(ctx, id, reason)
}

// Unlock lifts a matching lock. Returns the updated row.
func (s *Service) Unlock(ctx context.Context, id uuid.UUID) (*canonical.Patient, error) {
	return s.patients.Unlock(ctx, id)
}

// Replay re-runs reconciliation for one staged record, exactly as the
// background sweep would. Useful after resolving a conflict by hand.
func (s *Service) Replay(ctx context.Context, rawID int64) (reconcile.Result, error) {
	if rawID <= 0 {
		return reconcile.Result{}, fmt.Errorf("raw_id must be positive")
	}
	raw, err := s.raws.GetByID(ctx, rawID)
	if err != nil {
		return reconcile.Result{}, err
	}
	return s.engine.Reconcile(ctx, reconcile.EventForRaw(raw))
}

// Merge collapses loser into winner and returns the surviving row.
func (s *Service) Merge(ctx context.Context, winnerID, loserID uuid.UUID) (*canonical.Patient, error) {
	if err := s.engine.ManualMerge(ctx, winnerID, loserID); err != nil {
		return nil, err
	}
	return s.patients.Get(ctx, winnerID)
}

// SearchPatients runs a name or HIS-number prefix search.
func (s *Service) SearchPatients(ctx context.Context, q string, limit, offset int) ([]*canonical.Patient, int, error) {
	return s.patients.Search(ctx, q, limit, offset)
}

// PatientDetail assembles the drill-down view: the canonical row, its staged
// source records, recent protocols and the mobile pre-registration if one
// exists.
func (s *Service) PatientDetail(ctx context.Context, id uuid.UUID) (*PatientDetail, error) {
	p, err := s.patients.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	raws, err := s.raws.ListByCanonical(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list raw records: %w", err)
	}

	protos, total, err := s.protocols.ListByCanonical(ctx, id, detailProtocolLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}

	prereg, err := s.preregs.GetByCanonicalID(ctx, id)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lookup prereg: %w", err)
	}

	return &PatientDetail{
		Patient:       p,
		RawRecords:    raws,
		Protocols:     protos,
		ProtocolTotal: total,
		Prereg:        prereg,
	}, nil
}

// MatchingStats aggregates engine decisions over the trailing window.
func (s *Service) MatchingStats(ctx context.Context, window time.Duration) (*matchlog.MatchingStats, error) {
	return s.logs.MatchingStats(ctx, window)
}

// MobileStats reports pre-registration totals.
func (s *Service) MobileStats(ctx context.Context) (*mobileprereg.Stats, error) {
	return s.preregs.Stats(ctx)
}

// Health reports pipeline liveness: when the engine last wrote a decision,
// how many staged rows still wait, and the worker pool counters.
func (s *Service) Health(ctx context.Context) (*EngineHealth, error) {
	lastAt, err := s.logs.LastEntryAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("last match entry: %w", err)
	}

	backlog, err := s.raws.CountUnprocessed(ctx)
	if err != nil {
		return nil, fmt.Errorf("count backlog: %w", err)
	}

	ps := s.pool.Stats()
	status := statusHealthy
	if !ps.Healthy {
		status = statusDegraded
	}

	return &EngineHealth{
		Status:      status,
		LastMatchAt: lastAt,
		Backlog:     backlog,
		Pool:        ps,
	}, nil
}
