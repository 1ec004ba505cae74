package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medsync/ire/internal/domain/canonical"
	"github.com/medsync/ire/internal/domain/matchlog"
	"github.com/medsync/ire/internal/domain/rawpatient"
)

func newTestMutator(st *memStore) *Mutator {
	return NewMutator(st.Canonicals(), st.Raws(), st.Logs(), st)
}

// stageRaw pushes the snapshot through the upsert so it gets a raw_id, the
// way real events arrive at the mutator.
func stageRaw(t *testing.T, st *memStore, raw *rawpatient.Raw) *rawpatient.Raw {
	t.Helper()
	if err := st.Raws().Upsert(context.Background(), raw); err != nil {
		t.Fatalf("stage raw: %v", err)
	}
	return raw
}

func seedPatient(t *testing.T, st *memStore, p *canonical.Patient) *canonical.Patient {
	t.Helper()
	if err := st.Canonicals().Create(context.Background(), p); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return p
}

func fullRaw(source, his string) *rawpatient.Raw {
	return &rawpatient.Raw{
		Source:      source,
		HISNumber:   his,
		LastName:    strPtrOf("Ivanov"),
		FirstName:   strPtrOf("Petr"),
		Email:       strPtrOf(his + "@clinic.test"),
		Phone:       strPtrOf("+79990001122"),
		HISPassword: strPtrOf("pbkdf2:" + his),
		LoginEmail:  strPtrOf(his + "@login.test"),
	}
}

func indexOfPrefix(ops []string, prefix string) int {
	for i, op := range ops {
		if strings.HasPrefix(op, prefix) {
			return i
		}
	}
	return -1
}

func TestApplyCreateStampsAndLogs(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	mut := newTestMutator(st)

	raw := stageRaw(t, st, rawDoc(fullRaw("qms", "100"), 1, 4500123456))
	id, err := mut.Apply(ctx, Event{Kind: EventInsert, Raw: raw},
		Decision{Kind: DecisionCreate, MatchType: matchlog.MatchNewWithDoc})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("expected an assigned canonical id")
	}

	p, err := st.Canonicals().GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if p.HISNumber(canonical.SourceQMS) != "100" {
		t.Errorf("qms his = %q, want 100", p.HISNumber(canonical.SourceQMS))
	}
	if p.QMS.Email == nil || *p.QMS.Email != "100@clinic.test" {
		t.Errorf("qms email = %v, want filled from raw", p.QMS.Email)
	}
	if !p.HasDocument() || *p.DocNumber != 4500123456 {
		t.Errorf("document not adopted: %v/%v", p.DocType, p.DocNumber)
	}
	if p.PrimarySource == nil || *p.PrimarySource != "qms" {
		t.Errorf("primary source = %v, want qms", p.PrimarySource)
	}
	if p.RegisteredViaMobile {
		t.Error("plain create must not flag mobile registration")
	}

	got, err := st.Raws().GetByID(ctx, raw.RawID)
	if err != nil {
		t.Fatalf("GetByID raw: %v", err)
	}
	if got.CanonicalID == nil || *got.CanonicalID != id {
		t.Errorf("raw link = %v, want %s", got.CanonicalID, id)
	}
	if got.ProcessedAt == nil {
		t.Error("raw not marked processed")
	}

	entry := st.lastLog()
	if entry == nil || entry.MatchType != matchlog.MatchNewWithDoc {
		t.Fatalf("log entry = %+v, want NEW_WITH_DOC", entry)
	}
	if !entry.CreatedNewCanonical {
		t.Error("log must record the canonical creation")
	}
	if entry.ResultingCanonicalID == nil || *entry.ResultingCanonicalID != id {
		t.Errorf("resulting id = %v, want %s", entry.ResultingCanonicalID, id)
	}
	if !entry.Details.HasDocument {
		t.Error("details must record the document presence")
	}
}

func TestApplyCreateMaterializesReservation(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	mut := newTestMutator(st)

	reserved := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	pre := preregQMS(reserved, "100")
	raw := stageRaw(t, st, fullRaw("qms", "100"))

	id, err := mut.Apply(ctx, Event{Kind: EventInsert, Raw: raw},
		Decision{Kind: DecisionCreate, MatchType: matchlog.MatchMobileAppNew, CanonicalID: reserved, Prereg: pre})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if id != reserved {
		t.Fatalf("canonical id = %s, want reserved %s", id, reserved)
	}

	p, err := st.Canonicals().GetByID(ctx, reserved)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !p.RegisteredViaMobile {
		t.Error("mobile materialization must flag registered_via_mobile")
	}

	entry := st.lastLog()
	if entry.MobilePreregCanonicalID == nil || *entry.MobilePreregCanonicalID != reserved {
		t.Errorf("prereg id in log = %v, want %s", entry.MobilePreregCanonicalID, reserved)
	}
	if !entry.Details.IsMobileMatch {
		t.Error("details must mark the mobile match")
	}
}

func TestUseExistingFillsOnlyEmptyFields(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	mut := newTestMutator(st)

	idA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	// Existing last name must survive; first name is empty and fills.
	p := patientDoc(patientWithSlot(idA, canonical.SourceQMS, "100"), 1, 4500123456)
	p.LastName = strPtrOf("Sokolov")
	p.PrimarySource = strPtrOf("qms")
	seedPatient(t, st, p)

	raw := stageRaw(t, st, rawDoc(fullRaw("infoclinica", "777"), 1, 4500123456))
	id, err := mut.Apply(ctx, Event{Kind: EventInsert, Raw: raw},
		Decision{Kind: DecisionUseExisting, MatchType: matchlog.MatchMatchedDocument, CanonicalID: idA})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if id != idA {
		t.Fatalf("canonical id = %s, want %s", id, idA)
	}

	got, _ := st.Canonicals().GetByID(ctx, idA)
	if got.HISNumber(canonical.SourceInfoclinica) != "777" {
		t.Errorf("infoclinica slot not attached: %q", got.HISNumber(canonical.SourceInfoclinica))
	}
	if got.HISNumber(canonical.SourceQMS) != "100" {
		t.Errorf("qms slot lost: %q", got.HISNumber(canonical.SourceQMS))
	}
	if got.LastName == nil || *got.LastName != "Sokolov" {
		t.Errorf("last name = %v, existing value must win", got.LastName)
	}
	if got.FirstName == nil || *got.FirstName != "Petr" {
		t.Errorf("first name = %v, empty field must fill", got.FirstName)
	}
	if got.PrimarySource == nil || *got.PrimarySource != "qms" {
		t.Errorf("primary source = %v, must not move", got.PrimarySource)
	}
}

func TestRegularUpdateOverwritesIncludingNulls(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	mut := newTestMutator(st)

	idA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	p := patientDoc(patientWithSlot(idA, canonical.SourceQMS, "100"), 1, 4500123456)
	p.QMS.Email = strPtrOf("old@clinic.test")
	p.LastName = strPtrOf("Old")
	p.MiddleName = strPtrOf("Middle")
	seedPatient(t, st, p)

	raw := stageRaw(t, st, rawLinked(&rawpatient.Raw{
		Source:    "qms",
		HISNumber: "100",
		LastName:  strPtrOf("New"),
		// Email, MiddleName and the document are absent in this snapshot.
	}, idA))

	if _, err := mut.Apply(ctx, Event{Kind: EventUpdate, Raw: raw},
		Decision{Kind: DecisionUseExisting, MatchType: matchlog.MatchRegularUpdate, CanonicalID: idA}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, _ := st.Canonicals().GetByID(ctx, idA)
	if got.LastName == nil || *got.LastName != "New" {
		t.Errorf("last name = %v, want overwritten to New", got.LastName)
	}
	if got.MiddleName != nil {
		t.Errorf("middle name = %q, want nulled", *got.MiddleName)
	}
	if got.QMS.Email != nil {
		t.Errorf("qms email = %q, want nulled", *got.QMS.Email)
	}
	if !got.HasDocument() || *got.DocNumber != 4500123456 {
		t.Errorf("document = %v/%v, absence must not erase it", got.DocType, got.DocNumber)
	}

	entry := st.lastLog()
	if entry.MatchType != matchlog.MatchRegularUpdate {
		t.Fatalf("match type = %s, want REGULAR_UPDATE", entry.MatchType)
	}
	fields := strings.Join(entry.Details.ChangedFields, ",")
	for _, want := range []string{"last_name", "middle_name", "email_qms"} {
		if !strings.Contains(fields, want) {
			t.Errorf("changed fields %q missing %q", fields, want)
		}
	}
	if strings.Contains(fields, "doc_") {
		t.Errorf("changed fields %q must not touch the document", fields)
	}
}

func TestRegularUpdateAdoptsIncomingDocument(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	mut := newTestMutator(st)

	idA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	seedPatient(t, st, patientWithSlot(idA, canonical.SourceQMS, "100"))

	raw := stageRaw(t, st, rawLinked(rawDoc(testRaw(0, "qms", "100"), 1, 4500123456), idA))
	if _, err := mut.Apply(ctx, Event{Kind: EventUpdate, Raw: raw},
		Decision{Kind: DecisionUseExisting, MatchType: matchlog.MatchRegularUpdate, CanonicalID: idA}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, _ := st.Canonicals().GetByID(ctx, idA)
	if !got.HasDocument() || *got.DocNumber != 4500123456 {
		t.Fatalf("document = %v/%v, want adopted", got.DocType, got.DocNumber)
	}
}

func TestRegularUpdateSkipsWriteWhenNothingChanged(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	mut := newTestMutator(st)

	idA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	seedPatient(t, st, patientWithSlot(idA, canonical.SourceQMS, "100"))

	raw := stageRaw(t, st, rawLinked(testRaw(0, "qms", "100"), idA))
	apply := func() {
		t.Helper()
		if _, err := mut.Apply(ctx, Event{Kind: EventUpdate, Raw: raw},
			Decision{Kind: DecisionUseExisting, MatchType: matchlog.MatchRegularUpdate, CanonicalID: idA}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	apply()
	before := len(st.opsSnapshot())
	apply()
	ops := st.opsSnapshot()[before:]
	if i := indexOfPrefix(ops, "update:"); i >= 0 {
		t.Errorf("replay wrote the canonical row: %v", ops)
	}
	if indexOfPrefix(ops, "stamp") < 0 {
		t.Errorf("replay must still stamp the raw: %v", ops)
	}
	entry := st.lastLog()
	if len(entry.Details.ChangedFields) != 0 {
		t.Errorf("changed fields = %v, want none", entry.Details.ChangedFields)
	}
}

func TestRegularUpdateNeverTouchesLockedDocument(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	mut := newTestMutator(st)

	idA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	p := patientLocked(patientDoc(patientWithSlot(idA, canonical.SourceQMS, "100"), 1, 1111))
	seedPatient(t, st, p)

	raw := stageRaw(t, st, rawLinked(rawDoc(&rawpatient.Raw{
		Source:    "qms",
		HISNumber: "100",
		LastName:  strPtrOf("Renamed"),
	}, 1, 2222), idA))

	if _, err := mut.Apply(ctx, Event{Kind: EventUpdate, Raw: raw},
		Decision{Kind: DecisionUseExisting, MatchType: matchlog.MatchRegularUpdate, CanonicalID: idA}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, _ := st.Canonicals().GetByID(ctx, idA)
	if *got.DocNumber != 1111 {
		t.Errorf("doc number = %d, locked document must not move", *got.DocNumber)
	}
	if got.LastName == nil || *got.LastName != "Renamed" {
		t.Errorf("last name = %v, demographics still refresh on a locked row", got.LastName)
	}
}

func TestApplyMergeOrderAndCarryover(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	mut := newTestMutator(st)

	idA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	idB := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	winner := patientWithSlot(idA, canonical.SourceQMS, "100")
	winner.LastName = strPtrOf("Ivanov")
	seedPatient(t, st, winner)

	loser := patientDoc(patientWithSlot(idB, canonical.SourceInfoclinica, "777"), 1, 4500123456)
	loser.FirstName = strPtrOf("Petr")
	loser.RegisteredViaMobile = true
	seedPatient(t, st, loser)

	// A second raw hangs off the loser; the merge must re-home it.
	referrer := stageRaw(t, st, testRaw(0, "infoclinica", "777"))
	if err := st.Raws().Stamp(ctx, referrer.RawID, idB); err != nil {
		t.Fatalf("stamp referrer: %v", err)
	}

	raw := stageRaw(t, st, rawLinked(rawDoc(fullRaw("qms", "100"), 1, 4500123456), idA))
	before := len(st.opsSnapshot())

	id, err := mut.Apply(ctx, Event{Kind: EventUpdate, Raw: raw},
		Decision{Kind: DecisionMerge, MatchType: matchlog.MatchMergedOnUpdate,
			CanonicalID: idA, Winner: idA, Loser: idB})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if id != idA {
		t.Fatalf("canonical id = %s, want winner %s", id, idA)
	}

	if _, err := st.Canonicals().GetByID(ctx, idB); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("loser lookup err = %v, want gone", err)
	}

	got, _ := st.Canonicals().GetByID(ctx, idA)
	if got.HISNumber(canonical.SourceInfoclinica) != "777" {
		t.Errorf("loser slot not carried over: %q", got.HISNumber(canonical.SourceInfoclinica))
	}
	if got.HISNumber(canonical.SourceQMS) != "100" {
		t.Errorf("winner slot lost: %q", got.HISNumber(canonical.SourceQMS))
	}
	if !got.HasDocument() || *got.DocNumber != 4500123456 {
		t.Errorf("document = %v/%v, want the triggering document", got.DocType, got.DocNumber)
	}
	if got.FirstName == nil || *got.FirstName != "Petr" {
		t.Errorf("first name = %v, want carried from loser", got.FirstName)
	}
	if got.LastName == nil || *got.LastName != "Ivanov" {
		t.Errorf("last name = %v, winner value must survive", got.LastName)
	}
	if !got.RegisteredViaMobile {
		t.Error("mobile flag must survive the merge")
	}

	moved, _ := st.Raws().GetByID(ctx, referrer.RawID)
	if moved.CanonicalID == nil || *moved.CanonicalID != idA {
		t.Errorf("referrer link = %v, want rewritten to %s", moved.CanonicalID, idA)
	}

	ops := st.opsSnapshot()[before:]
	rewriteIdx := indexOfPrefix(ops, "rewrite:")
	deleteIdx := indexOfPrefix(ops, "delete:")
	updateIdx := indexOfPrefix(ops, "update:")
	stampIdx := indexOfPrefix(ops, "stamp")
	logIdx := indexOfPrefix(ops, "log:")
	if rewriteIdx < 0 || deleteIdx < 0 || updateIdx < 0 || stampIdx < 0 || logIdx < 0 {
		t.Fatalf("missing merge steps in %v", ops)
	}
	if !(rewriteIdx < deleteIdx && deleteIdx < updateIdx && updateIdx < stampIdx && stampIdx < logIdx) {
		t.Fatalf("merge steps out of order: %v", ops)
	}

	entry := st.lastLog()
	if entry.MatchType != matchlog.MatchMergedOnUpdate {
		t.Fatalf("match type = %s, want MERGED_ON_UPDATE", entry.MatchType)
	}
	if entry.Details.WinnerCanonicalID != idA.String() || entry.Details.LoserCanonicalID != idB.String() {
		t.Errorf("winner/loser in log = %s/%s", entry.Details.WinnerCanonicalID, entry.Details.LoserCanonicalID)
	}
}

func TestApplyLockedSkipWritesNoCanonical(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	mut := newTestMutator(st)

	idL := uuid.MustParse("44444444-4444-4444-4444-444444444444")
	seedPatient(t, st, patientLocked(patientWithSlot(idL, canonical.SourceQMS, "100")))

	raw := stageRaw(t, st, fullRaw("qms", "100"))
	before := len(st.opsSnapshot())

	id, err := mut.Apply(ctx, Event{Kind: EventInsert, Raw: raw},
		Decision{Kind: DecisionLockedSkip, MatchType: matchlog.MatchLockedSkip, CanonicalID: idL})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if id != idL {
		t.Fatalf("canonical id = %s, want %s", id, idL)
	}

	got, _ := st.Raws().GetByID(ctx, raw.RawID)
	if got.CanonicalID == nil || *got.CanonicalID != idL {
		t.Errorf("raw link = %v, want %s", got.CanonicalID, idL)
	}
	if got.ProcessedAt == nil {
		t.Error("skipped raw must still be marked processed")
	}

	ops := st.opsSnapshot()[before:]
	if i := indexOfPrefix(ops, "update:"); i >= 0 {
		t.Errorf("locked skip wrote a canonical: %v", ops)
	}
	if i := indexOfPrefix(ops, "create:"); i >= 0 {
		t.Errorf("locked skip created a canonical: %v", ops)
	}
	if st.lastLog().MatchType != matchlog.MatchLockedSkip {
		t.Errorf("match type = %s, want LOCKED_SKIP", st.lastLog().MatchType)
	}
}

func TestMergeManualFillsEverySlot(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	mut := newTestMutator(st)

	idA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	idB := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	seedPatient(t, st, patientWithSlot(idA, canonical.SourceQMS, "100"))
	loser := patientDoc(patientWithSlot(idB, canonical.SourceInfoclinica, "777"), 1, 4500123456)
	loser.LastName = strPtrOf("Ivanov")
	seedPatient(t, st, loser)

	if err := mut.MergeManual(ctx, idA, idB); err != nil {
		t.Fatalf("MergeManual: %v", err)
	}

	got, _ := st.Canonicals().GetByID(ctx, idA)
	if got.HISNumber(canonical.SourceInfoclinica) != "777" {
		t.Errorf("infoclinica slot = %q, want carried over", got.HISNumber(canonical.SourceInfoclinica))
	}
	if !got.HasDocument() || *got.DocNumber != 4500123456 {
		t.Errorf("document = %v/%v, want carried over", got.DocType, got.DocNumber)
	}
	if got.LastName == nil || *got.LastName != "Ivanov" {
		t.Errorf("last name = %v, want carried over", got.LastName)
	}
	if _, err := st.Canonicals().GetByID(ctx, idB); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("loser lookup err = %v, want gone", err)
	}

	entry := st.lastLog()
	if entry.MatchType != matchlog.MatchManualMerge {
		t.Fatalf("match type = %s, want MANUAL_MERGE", entry.MatchType)
	}
	if entry.Details.WinnerCanonicalID != idA.String() || entry.Details.LoserCanonicalID != idB.String() {
		t.Errorf("winner/loser in log = %s/%s", entry.Details.WinnerCanonicalID, entry.Details.LoserCanonicalID)
	}
}

func TestMapDBErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"unique violation retries", &pgconn.PgError{Code: "23505"}, KindRetryableConflict},
		{"vanished row retries", pgx.ErrNoRows, KindRetryableConflict},
		{"anything else is storage", errors.New("connection refused"), KindStorageFailure},
		{"classified errors pass through", invalidRawf("bad raw"), KindInvalidRaw},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(mapDBError(tc.err)); got != tc.want {
				t.Fatalf("kind = %q, want %q", got, tc.want)
			}
		})
	}
	if mapDBError(nil) != nil {
		t.Fatal("nil must map to nil")
	}
}
