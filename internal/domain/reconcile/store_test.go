package reconcile

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medsync/ire/internal/domain/canonical"
	"github.com/medsync/ire/internal/domain/matchlog"
	"github.com/medsync/ire/internal/domain/mobileprereg"
	"github.com/medsync/ire/internal/domain/rawpatient"
)

// memStore backs the engine tests with one in-memory database shared by all
// four repositories. It enforces the same partial unique indexes as the
// schema (source-his and document keys among unlocked rows) and records
// write operations in order, which is what the merge-ordering assertions
// read. The repository interfaces overlap in method names, so the store is
// exposed through one facade per interface.
type memStore struct {
	mu sync.Mutex

	canonicals map[uuid.UUID]*canonical.Patient
	rawSeq     int64
	rawsByID   map[int64]*rawpatient.Raw
	rawsByPair map[string]int64
	preregs    map[uuid.UUID]*mobileprereg.Prereg
	logSeq     int64
	logEntries []*matchlog.Entry

	ops []string

	// onDocLookup and onCreate, when set, run before the store lock is taken
	// on document lookups and canonical inserts. Tests use them to line up
	// concurrent writers or to change state between lookups.
	onDocLookup func()
	onCreate    func()
}

func newMemStore() *memStore {
	return &memStore{
		canonicals: map[uuid.UUID]*canonical.Patient{},
		rawsByID:   map[int64]*rawpatient.Raw{},
		rawsByPair: map[string]int64{},
		preregs:    map[uuid.UUID]*mobileprereg.Prereg{},
	}
}

func (s *memStore) Canonicals() canonical.Repository { return canonStore{s} }
func (s *memStore) Raws() rawpatient.Repository      { return rawStore{s} }
func (s *memStore) Preregs() mobileprereg.Repository { return preregStore{s} }
func (s *memStore) Logs() matchlog.Repository        { return logStore{s} }

func (s *memStore) record(op string) {
	s.ops = append(s.ops, op)
}

func (s *memStore) opsSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ops))
	copy(out, s.ops)
	return out
}

func (s *memStore) canonicalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.canonicals)
}

func (s *memStore) entriesOfType(mt matchlog.MatchType) []*matchlog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*matchlog.Entry
	for _, e := range s.logEntries {
		if e.MatchType == mt {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

func (s *memStore) lastLog() *matchlog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logEntries) == 0 {
		return nil
	}
	cp := *s.logEntries[len(s.logEntries)-1]
	return &cp
}

// uniqueConflict mirrors the partial unique indexes: locked rows are out of
// the key space on both sides of the comparison. Callers hold s.mu.
func (s *memStore) uniqueConflict(p *canonical.Patient) *pgconn.PgError {
	if p.MatchingLocked {
		return nil
	}
	for id, other := range s.canonicals {
		if id == p.CanonicalID || other.MatchingLocked {
			continue
		}
		for _, src := range canonical.KnownSources() {
			if his := p.HISNumber(src); his != "" && other.HISNumber(src) == his {
				return &pgconn.PgError{Code: "23505", ConstraintName: "ux_canonical_hisnumber_" + string(src)}
			}
		}
		if p.HasDocument() && other.HasDocument() &&
			*p.DocType == *other.DocType && *p.DocNumber == *other.DocNumber {
			return &pgconn.PgError{Code: "23505", ConstraintName: "ux_canonical_document"}
		}
	}
	return nil
}

// Rewrite implements ReferrerRewriter over the in-memory referrers.
func (s *memStore) Rewrite(_ context.Context, from, to uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rawsByID {
		if r.CanonicalID != nil && *r.CanonicalID == from {
			id := to
			r.CanonicalID = &id
		}
	}
	for _, p := range s.preregs {
		if p.CanonicalID == from {
			p.CanonicalID = to
		}
	}
	s.record("rewrite:" + from.String() + ">" + to.String())
	return nil
}

// canonStore implements canonical.Repository.
type canonStore struct{ st *memStore }

func (c canonStore) Create(_ context.Context, p *canonical.Patient) error {
	s := c.st
	if s.onCreate != nil {
		s.onCreate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CanonicalID == uuid.Nil {
		p.CanonicalID = uuid.New()
	}
	if pgErr := s.uniqueConflict(p); pgErr != nil {
		return pgErr
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	s.canonicals[p.CanonicalID] = clonePatient(p)
	s.record("create:" + p.CanonicalID.String())
	return nil
}

func (c canonStore) GetByID(_ context.Context, id uuid.UUID) (*canonical.Patient, error) {
	s := c.st
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.canonicals[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return clonePatient(p), nil
}

func (c canonStore) GetBySourceHIS(_ context.Context, src canonical.Source, his string) (*canonical.Patient, error) {
	s := c.st
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.canonicals {
		if !p.MatchingLocked && p.HISNumber(src) == his {
			return clonePatient(p), nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (c canonStore) GetByDocument(_ context.Context, docType int16, docNumber int64) (*canonical.Patient, error) {
	s := c.st
	if s.onDocLookup != nil {
		s.onDocLookup()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.canonicals {
		if !p.MatchingLocked && p.HasDocument() && *p.DocType == docType && *p.DocNumber == docNumber {
			return clonePatient(p), nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (c canonStore) Update(_ context.Context, p *canonical.Patient) error {
	s := c.st
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.canonicals[p.CanonicalID]
	if !ok {
		return pgx.ErrNoRows
	}
	if pgErr := s.uniqueConflict(p); pgErr != nil {
		return pgErr
	}
	cp := clonePatient(p)
	cp.CreatedAt = prev.CreatedAt
	cp.UpdatedAt = time.Now()
	s.canonicals[p.CanonicalID] = cp
	s.record("update:" + p.CanonicalID.String())
	return nil
}

func (c canonStore) Delete(_ context.Context, id uuid.UUID) error {
	s := c.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.canonicals[id]; !ok {
		return pgx.ErrNoRows
	}
	delete(s.canonicals, id)
	s.record("delete:" + id.String())
	return nil
}

func (c canonStore) Search(_ context.Context, q string, limit, offset int) ([]*canonical.Patient, int, error) {
	s := c.st
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*canonical.Patient
	for _, p := range s.canonicals {
		if p.LastName != nil && strings.HasPrefix(strings.ToLower(*p.LastName), strings.ToLower(q)) {
			out = append(out, clonePatient(p))
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

func (c canonStore) SetLock(_ context.Context, id uuid.UUID, locked bool, reason *string) error {
	s := c.st
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.canonicals[id]
	if !ok {
		return pgx.ErrNoRows
	}
	probe := clonePatient(p)
	probe.MatchingLocked = locked
	if pgErr := s.uniqueConflict(probe); pgErr != nil {
		return pgErr
	}
	p.MatchingLocked = locked
	if locked {
		now := time.Now()
		p.LockedAt = &now
	} else {
		p.LockedAt = nil
	}
	p.LockReason = copyStr(reason)
	return nil
}

// rawStore implements rawpatient.Repository.
type rawStore struct{ st *memStore }

func rawPairKey(source, his string) string { return source + "/" + his }

func (r rawStore) Upsert(_ context.Context, raw *rawpatient.Raw) error {
	s := r.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.rawsByPair[rawPairKey(raw.Source, raw.HISNumber)]; ok {
		prev := s.rawsByID[id]
		raw.RawID = prev.RawID
		raw.CanonicalID = prev.CanonicalID
		raw.ProcessedAt = nil
		raw.CreatedAt = prev.CreatedAt
		raw.UpdatedAt = time.Now()
	} else {
		s.rawSeq++
		raw.RawID = s.rawSeq
		raw.CanonicalID = nil
		raw.ProcessedAt = nil
		raw.CreatedAt = time.Now()
		raw.UpdatedAt = raw.CreatedAt
		s.rawsByPair[rawPairKey(raw.Source, raw.HISNumber)] = raw.RawID
	}
	s.rawsByID[raw.RawID] = cloneRaw(raw)
	return nil
}

func (r rawStore) GetByID(_ context.Context, rawID int64) (*rawpatient.Raw, error) {
	s := r.st
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.rawsByID[rawID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneRaw(raw), nil
}

func (r rawStore) GetByHISSource(_ context.Context, source, his string) (*rawpatient.Raw, error) {
	s := r.st
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.rawsByPair[rawPairKey(source, his)]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneRaw(s.rawsByID[id]), nil
}

func (r rawStore) Stamp(_ context.Context, rawID int64, canonicalID uuid.UUID) error {
	s := r.st
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.rawsByID[rawID]
	if !ok {
		return pgx.ErrNoRows
	}
	now := time.Now()
	id := canonicalID
	raw.CanonicalID = &id
	raw.ProcessedAt = &now
	s.record("stamp")
	return nil
}

func (r rawStore) ListUnprocessed(_ context.Context, limit int) ([]*rawpatient.Raw, error) {
	s := r.st
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*rawpatient.Raw
	for _, raw := range s.rawsByID {
		if raw.ProcessedAt == nil {
			out = append(out, cloneRaw(raw))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RawID < out[j].RawID })
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r rawStore) CountUnprocessed(_ context.Context) (int, error) {
	s := r.st
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, raw := range s.rawsByID {
		if raw.ProcessedAt == nil {
			n++
		}
	}
	return n, nil
}

func (r rawStore) ListByCanonical(_ context.Context, canonicalID uuid.UUID) ([]*rawpatient.Raw, error) {
	s := r.st
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*rawpatient.Raw
	for _, raw := range s.rawsByID {
		if raw.CanonicalID != nil && *raw.CanonicalID == canonicalID {
			out = append(out, cloneRaw(raw))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RawID < out[j].RawID })
	return out, nil
}

// preregStore implements mobileprereg.Repository.
type preregStore struct{ st *memStore }

func (p preregStore) Create(_ context.Context, pre *mobileprereg.Prereg) error {
	s := p.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if pre.PreregID == uuid.Nil {
		pre.PreregID = uuid.New()
	}
	if pre.CanonicalID == uuid.Nil {
		pre.CanonicalID = uuid.New()
	}
	pre.CreatedAt = time.Now()
	pre.UpdatedAt = pre.CreatedAt
	s.preregs[pre.PreregID] = clonePrereg(pre)
	return nil
}

func (p preregStore) GetBySourceHIS(_ context.Context, src canonical.Source, his string) (*mobileprereg.Prereg, error) {
	s := p.st
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pre := range s.preregs {
		if pre.HISNumber(src) == his {
			return clonePrereg(pre), nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (p preregStore) GetByCanonicalID(_ context.Context, canonicalID uuid.UUID) (*mobileprereg.Prereg, error) {
	s := p.st
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pre := range s.preregs {
		if pre.CanonicalID == canonicalID {
			return clonePrereg(pre), nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (p preregStore) Stats(_ context.Context) (*mobileprereg.Stats, error) {
	s := p.st
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &mobileprereg.Stats{Total: len(s.preregs)}
	for _, pre := range s.preregs {
		qms := pre.HISNumberQMS != nil
		inf := pre.HISNumberInfoclinica != nil
		switch {
		case qms && inf:
			st.BothSources++
		case qms:
			st.QMSOnly++
		case inf:
			st.InfoclinicaOnly++
		}
	}
	return st, nil
}

// logStore implements matchlog.Repository.
type logStore struct{ st *memStore }

func (l logStore) Insert(_ context.Context, e *matchlog.Entry) error {
	s := l.st
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logSeq++
	e.EntryID = s.logSeq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	s.logEntries = append(s.logEntries, &cp)
	s.record("log:" + string(e.MatchType))
	return nil
}

func (l logStore) List(_ context.Context, limit, offset int) ([]*matchlog.Entry, int, error) {
	s := l.st
	s.mu.Lock()
	defer s.mu.Unlock()
	total := len(s.logEntries)
	out := make([]*matchlog.Entry, 0, limit)
	for i := len(s.logEntries) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		cp := *s.logEntries[i]
		out = append(out, &cp)
	}
	return out, total, nil
}

func (l logStore) TypeCounts(_ context.Context, since time.Time) ([]matchlog.TypeCount, error) {
	s := l.st
	s.mu.Lock()
	defer s.mu.Unlock()
	byType := map[matchlog.MatchType]*matchlog.TypeCount{}
	for _, e := range s.logEntries {
		if e.CreatedAt.Before(since) {
			continue
		}
		tc, ok := byType[e.MatchType]
		if !ok {
			tc = &matchlog.TypeCount{MatchType: e.MatchType}
			byType[e.MatchType] = tc
		}
		tc.Count++
		if e.CreatedNewCanonical {
			tc.Created++
		}
	}
	var out []matchlog.TypeCount
	for _, tc := range byType {
		out = append(out, *tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchType < out[j].MatchType })
	return out, nil
}

func (l logStore) LastEntryAt(_ context.Context) (*time.Time, error) {
	s := l.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logEntries) == 0 {
		return nil, nil
	}
	at := s.logEntries[len(s.logEntries)-1].CreatedAt
	return &at, nil
}

func clonePatient(p *canonical.Patient) *canonical.Patient {
	cp := *p
	cp.DocType = copyI16(p.DocType)
	cp.DocNumber = copyI64(p.DocNumber)
	cp.LastName = copyStr(p.LastName)
	cp.FirstName = copyStr(p.FirstName)
	cp.MiddleName = copyStr(p.MiddleName)
	cp.BirthDate = copyTime(p.BirthDate)
	cp.QMS = copySlot(p.QMS)
	cp.Infoclinica = copySlot(p.Infoclinica)
	cp.PrimarySource = copyStr(p.PrimarySource)
	cp.LockedAt = copyTime(p.LockedAt)
	cp.LockReason = copyStr(p.LockReason)
	return &cp
}

func cloneRaw(r *rawpatient.Raw) *rawpatient.Raw {
	cp := *r
	cp.BusinessUnit = copyI16(r.BusinessUnit)
	cp.LastName = copyStr(r.LastName)
	cp.FirstName = copyStr(r.FirstName)
	cp.MiddleName = copyStr(r.MiddleName)
	cp.BirthDate = copyTime(r.BirthDate)
	cp.DocType = copyI16(r.DocType)
	cp.DocNumber = copyI64(r.DocNumber)
	cp.Email = copyStr(r.Email)
	cp.Phone = copyStr(r.Phone)
	cp.HISPassword = copyStr(r.HISPassword)
	cp.LoginEmail = copyStr(r.LoginEmail)
	if r.CanonicalID != nil {
		id := *r.CanonicalID
		cp.CanonicalID = &id
	}
	cp.ProcessedAt = copyTime(r.ProcessedAt)
	return &cp
}

func clonePrereg(p *mobileprereg.Prereg) *mobileprereg.Prereg {
	cp := *p
	cp.HISNumberQMS = copyStr(p.HISNumberQMS)
	cp.HISNumberInfoclinica = copyStr(p.HISNumberInfoclinica)
	return &cp
}

// passTx runs the function directly. The engine never relies on rollback in
// these tests; a failed decide writes nothing before it fails.
type passTx struct{}

func (passTx) RunTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// openLocks grants every acquisition immediately. Used to expose the
// unique-index fallback when the advisory layer is out of the picture.
type openLocks struct{}

func (openLocks) Acquire(context.Context, []string) (func(), error) {
	return func() {}, nil
}
