package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medsync/ire/internal/domain/canonical"
	"github.com/medsync/ire/internal/domain/matchlog"
	"github.com/medsync/ire/internal/domain/rawpatient"
)

const uniqueViolation = "23505"

// Mutator applies decisions to the store. Every call runs inside the
// transaction the engine opened, so a failure anywhere rolls the whole
// decision back.
type Mutator struct {
	canonicals canonical.Repository
	raws       rawpatient.Repository
	logs       matchlog.Repository
	referrers  ReferrerRewriter
}

func NewMutator(canonicals canonical.Repository, raws rawpatient.Repository,
	logs matchlog.Repository, referrers ReferrerRewriter) *Mutator {
	return &Mutator{canonicals: canonicals, raws: raws, logs: logs, referrers: referrers}
}

// Apply executes one decision and returns the canonical id the raw record
// ended up linked to. Errors come back classified: unique-key collisions as
// retryable conflicts, everything else as storage failures.
func (m *Mutator) Apply(ctx context.Context, ev Event, d Decision) (uuid.UUID, error) {
	var (
		id  uuid.UUID
		err error
	)
	switch d.Kind {
	case DecisionCreate:
		id, err = m.applyCreate(ctx, ev, d)
	case DecisionUseExisting:
		if d.MatchType == matchlog.MatchRegularUpdate {
			id, err = m.applyRegularUpdate(ctx, ev, d)
		} else {
			id, err = m.applyUseExisting(ctx, ev, d)
		}
	case DecisionMerge:
		id, err = m.applyMerge(ctx, ev, d)
	case DecisionLockedSkip:
		id, err = m.applyLockedSkip(ctx, ev, d)
	default:
		return uuid.Nil, invalidRawf("unknown decision kind %q", d.Kind)
	}
	if err != nil {
		return uuid.Nil, mapDBError(err)
	}
	return id, nil
}

func (m *Mutator) applyCreate(ctx context.Context, ev Event, d Decision) (uuid.UUID, error) {
	raw := ev.Raw
	p := &canonical.Patient{
		CanonicalID:         d.CanonicalID,
		DocType:             copyI16(raw.DocType),
		DocNumber:           copyI64(raw.DocNumber),
		LastName:            copyStr(raw.LastName),
		FirstName:           copyStr(raw.FirstName),
		MiddleName:          copyStr(raw.MiddleName),
		BirthDate:           copyTime(raw.BirthDate),
		PrimarySource:       strPtrOf(raw.Source),
		RegisteredViaMobile: d.MatchType == matchlog.MatchMobileAppNew,
	}
	setSlotFromRaw(p, raw)

	if err := m.canonicals.Create(ctx, p); err != nil {
		return uuid.Nil, err
	}
	if err := m.raws.Stamp(ctx, raw.RawID, p.CanonicalID); err != nil {
		return uuid.Nil, err
	}
	return p.CanonicalID, m.logDecision(ctx, ev, d, p.CanonicalID, true, nil)
}

// applyUseExisting is the insertion-path attach: the raw's source slot is
// populated from the raw, demographics and document follow fill-if-empty.
func (m *Mutator) applyUseExisting(ctx context.Context, ev Event, d Decision) (uuid.UUID, error) {
	raw := ev.Raw
	p, err := m.canonicals.GetByID(ctx, d.CanonicalID)
	if err != nil {
		return uuid.Nil, err
	}

	setSlotFromRaw(p, raw)
	fillIfEmpty(p, raw)

	if err := m.canonicals.Update(ctx, p); err != nil {
		return uuid.Nil, err
	}
	if err := m.raws.Stamp(ctx, raw.RawID, p.CanonicalID); err != nil {
		return uuid.Nil, err
	}
	return p.CanonicalID, m.logDecision(ctx, ev, d, p.CanonicalID, false, nil)
}

// applyRegularUpdate is the update-path refresh: the raw overwrites its own
// source slot and the demographics unconditionally, including nulling. The
// canonical row is only written when something actually changed, so replays
// do not move updated_at.
func (m *Mutator) applyRegularUpdate(ctx context.Context, ev Event, d Decision) (uuid.UUID, error) {
	raw := ev.Raw
	p, err := m.canonicals.GetByID(ctx, d.CanonicalID)
	if err != nil {
		return uuid.Nil, err
	}

	changed := overwriteOwn(p, raw)
	if len(changed) > 0 {
		if err := m.canonicals.Update(ctx, p); err != nil {
			return uuid.Nil, err
		}
	}
	if err := m.raws.Stamp(ctx, raw.RawID, p.CanonicalID); err != nil {
		return uuid.Nil, err
	}
	return p.CanonicalID, m.logDecision(ctx, ev, d, p.CanonicalID, false, changed)
}

// applyMerge collapses the loser into the winner. Order matters: referrers
// move first, then the loser row goes away, and only then does the winner
// take over the loser's identity keys. Postgres checks the partial unique
// indexes per statement, so the winner cannot adopt a key while the loser
// still holds it.
func (m *Mutator) applyMerge(ctx context.Context, ev Event, d Decision) (uuid.UUID, error) {
	raw := ev.Raw
	winner, err := m.canonicals.GetByID(ctx, d.Winner)
	if err != nil {
		return uuid.Nil, err
	}
	loser, err := m.canonicals.GetByID(ctx, d.Loser)
	if err != nil {
		return uuid.Nil, err
	}

	if err := m.referrers.Rewrite(ctx, d.Loser, d.Winner); err != nil {
		return uuid.Nil, err
	}
	if err := m.canonicals.Delete(ctx, d.Loser); err != nil {
		return uuid.Nil, err
	}

	setSlotFromRaw(winner, raw)
	mergeCarryover(winner, loser, canonical.Source(raw.Source))
	winner.RegisteredViaMobile = winner.RegisteredViaMobile || loser.RegisteredViaMobile
	// The document that triggered the merge is authoritative for the
	// merged identity, whichever side carried it before.
	winner.DocType = copyI16(raw.DocType)
	winner.DocNumber = copyI64(raw.DocNumber)

	if err := m.canonicals.Update(ctx, winner); err != nil {
		return uuid.Nil, err
	}
	if err := m.raws.Stamp(ctx, raw.RawID, winner.CanonicalID); err != nil {
		return uuid.Nil, err
	}
	return winner.CanonicalID, m.logDecision(ctx, ev, d, winner.CanonicalID, false, nil)
}

// applyLockedSkip stamps the raw against the locked canonical and records
// the skip. No canonical writes.
func (m *Mutator) applyLockedSkip(ctx context.Context, ev Event, d Decision) (uuid.UUID, error) {
	if err := m.raws.Stamp(ctx, ev.Raw.RawID, d.CanonicalID); err != nil {
		return uuid.Nil, err
	}
	return d.CanonicalID, m.logDecision(ctx, ev, d, d.CanonicalID, false, nil)
}

// MergeManual collapses loser into winner without a triggering raw record:
// every slot, the demographics and the document follow fill-if-empty from
// the loser. The caller holds both identity-lock sets and the transaction.
func (m *Mutator) MergeManual(ctx context.Context, winnerID, loserID uuid.UUID) error {
	winner, err := m.canonicals.GetByID(ctx, winnerID)
	if err != nil {
		return mapDBError(err)
	}
	loser, err := m.canonicals.GetByID(ctx, loserID)
	if err != nil {
		return mapDBError(err)
	}

	if err := m.referrers.Rewrite(ctx, loserID, winnerID); err != nil {
		return mapDBError(err)
	}
	if err := m.canonicals.Delete(ctx, loserID); err != nil {
		return mapDBError(err)
	}

	mergeCarryover(winner, loser, "")
	winner.RegisteredViaMobile = winner.RegisteredViaMobile || loser.RegisteredViaMobile

	if err := m.canonicals.Update(ctx, winner); err != nil {
		return mapDBError(err)
	}

	entry := &matchlog.Entry{
		MatchType:            matchlog.MatchManualMerge,
		ResultingCanonicalID: uuidPtr(winnerID),
		Details: matchlog.Details{
			HasDocument:       winner.HasDocument(),
			WinnerCanonicalID: winnerID.String(),
			LoserCanonicalID:  loserID.String(),
		},
	}
	return mapDBError(m.logs.Insert(ctx, entry))
}

func (m *Mutator) logDecision(ctx context.Context, ev Event, d Decision,
	resulting uuid.UUID, createdNew bool, changed []string) error {
	raw := ev.Raw
	entry := &matchlog.Entry{
		HISNumber:            strPtrOf(raw.HISNumber),
		Source:               strPtrOf(raw.Source),
		MatchType:            d.MatchType,
		DocNumber:            copyI64(raw.DocNumber),
		CreatedNewCanonical:  createdNew,
		ResultingCanonicalID: uuidPtr(resulting),
		Details: matchlog.Details{
			IsMobileMatch: d.Prereg != nil,
			HasDocument:   raw.HasDocument(),
			ChangedFields: changed,
		},
	}
	if d.Prereg != nil {
		entry.MobilePreregCanonicalID = uuidPtr(d.Prereg.CanonicalID)
	}
	if d.Kind == DecisionMerge {
		entry.Details.WinnerCanonicalID = d.Winner.String()
		entry.Details.LoserCanonicalID = d.Loser.String()
	}
	return m.logs.Insert(ctx, entry)
}

// setSlotFromRaw populates the raw's own source slot, whole and
// unconditionally. The raw record is authoritative for its slot.
func setSlotFromRaw(p *canonical.Patient, raw *rawpatient.Raw) {
	slot := p.Slot(canonical.Source(raw.Source))
	slot.HISNumber = strPtrOf(raw.HISNumber)
	slot.Email = copyStr(raw.Email)
	slot.Phone = copyStr(raw.Phone)
	slot.Password = copyStr(raw.HISPassword)
	slot.Login = copyStr(raw.LoginEmail)
}

// fillIfEmpty accepts incoming demographics and document only into null
// fields. Existing values win on the insertion path.
func fillIfEmpty(p *canonical.Patient, raw *rawpatient.Raw) {
	if p.LastName == nil {
		p.LastName = copyStr(raw.LastName)
	}
	if p.FirstName == nil {
		p.FirstName = copyStr(raw.FirstName)
	}
	if p.MiddleName == nil {
		p.MiddleName = copyStr(raw.MiddleName)
	}
	if p.BirthDate == nil {
		p.BirthDate = copyTime(raw.BirthDate)
	}
	if !p.HasDocument() && raw.HasDocument() {
		p.DocType = copyI16(raw.DocType)
		p.DocNumber = copyI64(raw.DocNumber)
	}
	if p.PrimarySource == nil {
		p.PrimarySource = strPtrOf(raw.Source)
	}
}

// overwriteOwn is the update-path write: the raw's own slot and the shared
// demographics take the incoming values as-is, nulls included. The document
// pair is adopted when the raw carries one, never erased by its absence,
// and never touched while the canonical is locked. Returns the names of the
// fields that changed.
func overwriteOwn(p *canonical.Patient, raw *rawpatient.Raw) []string {
	src := canonical.Source(raw.Source)
	suffix := "_" + string(src)
	var changed []string

	slot := p.Slot(src)
	if setStr(&slot.HISNumber, strPtrOf(raw.HISNumber)) {
		changed = append(changed, "hisnumber"+suffix)
	}
	if setStr(&slot.Email, raw.Email) {
		changed = append(changed, "email"+suffix)
	}
	if setStr(&slot.Phone, raw.Phone) {
		changed = append(changed, "phone"+suffix)
	}
	if setStr(&slot.Password, raw.HISPassword) {
		changed = append(changed, "password"+suffix)
	}
	if setStr(&slot.Login, raw.LoginEmail) {
		changed = append(changed, "login"+suffix)
	}

	if setStr(&p.LastName, raw.LastName) {
		changed = append(changed, "last_name")
	}
	if setStr(&p.FirstName, raw.FirstName) {
		changed = append(changed, "first_name")
	}
	if setStr(&p.MiddleName, raw.MiddleName) {
		changed = append(changed, "middle_name")
	}
	if setTime(&p.BirthDate, raw.BirthDate) {
		changed = append(changed, "birth_date")
	}

	if raw.HasDocument() && !p.MatchingLocked {
		if p.DocType == nil || *p.DocType != *raw.DocType {
			p.DocType = copyI16(raw.DocType)
			changed = append(changed, "doc_type")
		}
		if p.DocNumber == nil || *p.DocNumber != *raw.DocNumber {
			p.DocNumber = copyI64(raw.DocNumber)
			changed = append(changed, "doc_number")
		}
	}
	return changed
}

// mergeCarryover fills the winner's empty slots, demographics and document
// from the loser. The triggering source slot is skipped; the raw overwrote
// it already. An empty triggering source fills every slot (manual merge).
func mergeCarryover(winner, loser *canonical.Patient, triggering canonical.Source) {
	for _, src := range canonical.KnownSources() {
		if src == triggering {
			continue
		}
		w, l := winner.Slot(src), loser.Slot(src)
		if w.Empty() && !l.Empty() {
			*w = copySlot(*l)
		}
	}
	if winner.LastName == nil {
		winner.LastName = copyStr(loser.LastName)
	}
	if winner.FirstName == nil {
		winner.FirstName = copyStr(loser.FirstName)
	}
	if winner.MiddleName == nil {
		winner.MiddleName = copyStr(loser.MiddleName)
	}
	if winner.BirthDate == nil {
		winner.BirthDate = copyTime(loser.BirthDate)
	}
	if winner.PrimarySource == nil {
		winner.PrimarySource = copyStr(loser.PrimarySource)
	}
	if !winner.HasDocument() && loser.HasDocument() {
		winner.DocType = copyI16(loser.DocType)
		winner.DocNumber = copyI64(loser.DocNumber)
	}
}

// mapDBError folds store errors into engine kinds. A unique violation means
// a concurrent writer claimed an identity key between decide and commit;
// rerunning the decision against the new state resolves it. A vanished row
// means the target lost a concurrent merge, retryable the same way.
func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return wrapError(KindRetryableConflict, err, "identity key claimed concurrently")
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return wrapError(KindRetryableConflict, err, "target row vanished")
	}
	return wrapError(KindStorageFailure, err, "store operation failed")
}

func copyStr(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func copyI16(v *int16) *int16 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func copyI64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}

func strPtrOf(s string) *string { return &s }

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }

func copySlot(s canonical.Slot) canonical.Slot {
	return canonical.Slot{
		HISNumber: copyStr(s.HISNumber),
		Email:     copyStr(s.Email),
		Phone:     copyStr(s.Phone),
		Password:  copyStr(s.Password),
		Login:     copyStr(s.Login),
	}
}

func setStr(dst **string, v *string) bool {
	if strEqual(*dst, v) {
		return false
	}
	*dst = copyStr(v)
	return true
}

func setTime(dst **time.Time, v *time.Time) bool {
	if (*dst == nil) != (v == nil) {
		*dst = copyTime(v)
		return true
	}
	if *dst != nil && !(*dst).Equal(*v) {
		*dst = copyTime(v)
		return true
	}
	return false
}

func strEqual(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}
