package canonical

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medsync/ire/internal/platform/locks"
)

type mockPatientRepo struct {
	patients   map[uuid.UUID]*Patient
	setLockErr error
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{patients: map[uuid.UUID]*Patient{}}
}

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	if p.CanonicalID == uuid.Nil {
		p.CanonicalID = uuid.New()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.patients[p.CanonicalID] = p
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (m *mockPatientRepo) GetBySourceHIS(_ context.Context, src Source, his string) (*Patient, error) {
	for _, p := range m.patients {
		if !p.MatchingLocked && p.HISNumber(src) == his {
			cp := *p
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockPatientRepo) GetByDocument(_ context.Context, docType int16, docNumber int64) (*Patient, error) {
	for _, p := range m.patients {
		if !p.MatchingLocked && p.HasDocument() && *p.DocType == docType && *p.DocNumber == docNumber {
			cp := *p
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockPatientRepo) Update(_ context.Context, p *Patient) error {
	if _, ok := m.patients[p.CanonicalID]; !ok {
		return pgx.ErrNoRows
	}
	cp := *p
	cp.UpdatedAt = time.Now()
	m.patients[p.CanonicalID] = &cp
	return nil
}

func (m *mockPatientRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.patients[id]; !ok {
		return pgx.ErrNoRows
	}
	delete(m.patients, id)
	return nil
}

func (m *mockPatientRepo) Search(_ context.Context, q string, limit, offset int) ([]*Patient, int, error) {
	var out []*Patient
	for _, p := range m.patients {
		if p.LastName != nil && strings.HasPrefix(strings.ToLower(*p.LastName), strings.ToLower(q)) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CanonicalID.String() < out[j].CanonicalID.String()
	})
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *mockPatientRepo) SetLock(_ context.Context, id uuid.UUID, locked bool, reason *string) error {
	if m.setLockErr != nil {
		return m.setLockErr
	}
	p, ok := m.patients[id]
	if !ok {
		return pgx.ErrNoRows
	}
	p.MatchingLocked = locked
	if locked {
		now := time.Now()
		p.LockedAt = &now
	} else {
		p.LockedAt = nil
	}
	p.LockReason = reason
	return nil
}

func newTestService(repo *mockPatientRepo) *Service {
	return NewService(repo, locks.NewInProcess(200*time.Millisecond))
}

func seedPatient(t *testing.T, repo *mockPatientRepo) *Patient {
	t.Helper()
	p := &Patient{
		LastName:  strPtr("Ivanova"),
		FirstName: strPtr("Anna"),
		DocType:   i16Ptr(1),
		DocNumber: i64Ptr(4509123456),
	}
	p.QMS.HISNumber = strPtr("100001")
	if err := repo.Create(context.Background(), p); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return p
}

func TestLockRequiresReason(t *testing.T) {
	repo := newMockPatientRepo()
	svc := newTestService(repo)
	p := seedPatient(t, repo)

	if _, err := svc.Lock(context.Background(), p.CanonicalID, "   "); err == nil {
		t.Fatal("expected error for blank reason")
	}
}

func TestLockUnlockRoundTrip(t *testing.T) {
	repo := newMockPatientRepo()
	svc := newTestService(repo)
	p := seedPatient(t, repo)
	ctx := context.Background()

	locked, err := svc.Lock(ctx, p.CanonicalID, "identity dispute")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !locked.MatchingLocked {
		t.Error("patient should be locked")
	}
	if locked.LockedAt == nil {
		t.Error("locked_at should be set")
	}
	if locked.LockReason == nil || *locked.LockReason != "identity dispute" {
		t.Errorf("lock reason = %v, want identity dispute", locked.LockReason)
	}

	if _, err := repo.GetBySourceHIS(ctx, SourceQMS, "100001"); !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("locked patient should be invisible to matching, got err=%v", err)
	}

	unlocked, err := svc.Unlock(ctx, p.CanonicalID)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if unlocked.MatchingLocked || unlocked.LockedAt != nil || unlocked.LockReason != nil {
		t.Error("unlock should clear the lock fields")
	}
}

func TestUnlockConflict(t *testing.T) {
	repo := newMockPatientRepo()
	svc := newTestService(repo)
	p := seedPatient(t, repo)
	ctx := context.Background()

	if _, err := svc.Lock(ctx, p.CanonicalID, "review"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	repo.setLockErr = &pgconn.PgError{Code: "23505", ConstraintName: "ux_canonical_document"}
	_, err := svc.Unlock(ctx, p.CanonicalID)
	if !errors.Is(err, ErrUnlockConflict) {
		t.Fatalf("expected ErrUnlockConflict, got %v", err)
	}
	if !strings.Contains(err.Error(), "ux_canonical_document") {
		t.Errorf("conflict error should name the constraint, got %q", err)
	}
}

func TestLockNotFound(t *testing.T) {
	repo := newMockPatientRepo()
	svc := newTestService(repo)

	_, err := svc.Lock(context.Background(), uuid.New(), "reason")
	if !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("expected pgx.ErrNoRows, got %v", err)
	}
}

func TestLockTimesOutWhenKeyHeld(t *testing.T) {
	repo := newMockPatientRepo()
	lm := locks.NewInProcess(50 * time.Millisecond)
	svc := NewService(repo, lm)
	p := seedPatient(t, repo)
	ctx := context.Background()

	release, err := lm.Acquire(ctx, []string{locks.SourceHISKey("qms", "100001")})
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer release()

	_, err = svc.Lock(ctx, p.CanonicalID, "reason")
	if !errors.Is(err, locks.ErrAcquireTimeout) {
		t.Fatalf("expected ErrAcquireTimeout, got %v", err)
	}
}
