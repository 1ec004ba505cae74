package reconcile

import (
	"context"

	"github.com/google/uuid"

	"github.com/medsync/ire/internal/domain/canonical"
	"github.com/medsync/ire/internal/domain/matchlog"
	"github.com/medsync/ire/internal/domain/mobileprereg"
	"github.com/medsync/ire/internal/domain/rawpatient"
)

// EventKind says whether a snapshot is new to the engine or a change to an
// already linked record.
type EventKind int

const (
	EventInsert EventKind = iota
	EventUpdate
)

func (k EventKind) String() string {
	if k == EventUpdate {
		return "UPDATE"
	}
	return "INSERT"
}

// Event is one unit of reconcile work. Raw is the staged current snapshot.
// Old is the previous snapshot of the same (source, his_number) pair; nil on
// first sight and on backlog replay, where the prior state is unknown.
type Event struct {
	Kind EventKind
	Raw  *rawpatient.Raw
	Old  *rawpatient.Raw
}

// DecisionKind is the action class the rules picked.
type DecisionKind string

const (
	DecisionCreate      DecisionKind = "CREATE"
	DecisionUseExisting DecisionKind = "USE_EXISTING"
	DecisionMerge       DecisionKind = "MERGE"
	DecisionLockedSkip  DecisionKind = "LOCKED_SKIP"
)

// Decision tells the mutator what to do with the snapshot. CanonicalID is
// the target: the reserved id on a mobile materialization, the matched id on
// USE_EXISTING, the winner on MERGE, and uuid.Nil on a fresh CREATE where
// the store assigns one. Prereg rides along when rule 1 fired so the log
// can record the reservation.
type Decision struct {
	Kind        DecisionKind
	MatchType   matchlog.MatchType
	CanonicalID uuid.UUID
	Winner      uuid.UUID
	Loser       uuid.UUID
	Prereg      *mobileprereg.Prereg
}

// View is the committed state the rules read. All lookups return (nil, nil)
// when nothing matches. CanonicalBySourceHIS and CanonicalByDocument see
// only unlocked rows; CanonicalByID sees everything, which is how the rules
// notice a locked target.
type View interface {
	CanonicalByID(ctx context.Context, id uuid.UUID) (*canonical.Patient, error)
	CanonicalBySourceHIS(ctx context.Context, src canonical.Source, hisNumber string) (*canonical.Patient, error)
	CanonicalByDocument(ctx context.Context, docType int16, docNumber int64) (*canonical.Patient, error)
	PreregBySourceHIS(ctx context.Context, src canonical.Source, hisNumber string) (*mobileprereg.Prereg, error)
}

// Decide maps one event to the action that reconciles it. It only reads the
// view; all writes happen in the mutator.
func Decide(ctx context.Context, ev Event, view View) (Decision, error) {
	src, err := canonical.ParseSource(ev.Raw.Source)
	if err != nil {
		return Decision{}, invalidRawf("%v", err)
	}
	if ev.Kind == EventUpdate && ev.Raw.CanonicalID != nil {
		return decideUpdate(ctx, ev, src, view)
	}
	return decideInsert(ctx, ev, src, view)
}

// decideInsert walks the fixed matching priority: mobile pre-registration,
// then same-source identifier, then cross-source document, then create.
func decideInsert(ctx context.Context, ev Event, src canonical.Source, view View) (Decision, error) {
	raw := ev.Raw

	prereg, err := view.PreregBySourceHIS(ctx, src, raw.HISNumber)
	if err != nil {
		return Decision{}, wrapError(KindStorageFailure, err, "prereg lookup")
	}
	if prereg != nil {
		reserved, err := view.CanonicalByID(ctx, prereg.CanonicalID)
		if err != nil {
			return Decision{}, wrapError(KindStorageFailure, err, "reserved canonical lookup")
		}
		switch {
		case reserved == nil:
			// Reservation not materialized yet: create the canonical with
			// the pre-allocated id.
			return Decision{Kind: DecisionCreate, MatchType: matchlog.MatchMobileAppNew,
				CanonicalID: prereg.CanonicalID, Prereg: prereg}, nil
		case reserved.MatchingLocked:
			// The reservation pins this identity to a locked canonical.
			// Creating a duplicate would break the reservation, touching
			// the locked row is forbidden, so only the raw gets stamped.
			return Decision{Kind: DecisionLockedSkip, MatchType: matchlog.MatchLockedSkip,
				CanonicalID: reserved.CanonicalID, Prereg: prereg}, nil
		default:
			return Decision{Kind: DecisionUseExisting, MatchType: matchlog.MatchMobileAppUpdate,
				CanonicalID: reserved.CanonicalID, Prereg: prereg}, nil
		}
	}

	bySrc, err := view.CanonicalBySourceHIS(ctx, src, raw.HISNumber)
	if err != nil {
		return Decision{}, wrapError(KindStorageFailure, err, "source-his lookup")
	}
	if bySrc != nil {
		return Decision{Kind: DecisionUseExisting, MatchType: matchlog.MatchUpdatedExisting,
			CanonicalID: bySrc.CanonicalID}, nil
	}

	if raw.HasDocument() {
		byDoc, err := view.CanonicalByDocument(ctx, *raw.DocType, *raw.DocNumber)
		if err != nil {
			return Decision{}, wrapError(KindStorageFailure, err, "document lookup")
		}
		if byDoc != nil {
			return Decision{Kind: DecisionUseExisting, MatchType: matchlog.MatchMatchedDocument,
				CanonicalID: byDoc.CanonicalID}, nil
		}
		return Decision{Kind: DecisionCreate, MatchType: matchlog.MatchNewWithDoc}, nil
	}
	return Decision{Kind: DecisionCreate, MatchType: matchlog.MatchNewNoDoc}, nil
}

// decideUpdate handles a change to a record that already carries a canonical
// link: a plain refresh unless the document pair changed and now points at a
// different canonical, which forces a merge.
func decideUpdate(ctx context.Context, ev Event, src canonical.Source, view View) (Decision, error) {
	raw := ev.Raw

	linked, err := view.CanonicalByID(ctx, *raw.CanonicalID)
	if err != nil {
		return Decision{}, wrapError(KindStorageFailure, err, "linked canonical lookup")
	}
	if linked == nil {
		// Dangling link: the canonical lost a merge on another pair since
		// this record was stamped. Re-home through the insertion path.
		return decideInsert(ctx, ev, src, view)
	}
	if linked.MatchingLocked {
		// A locked canonical keeps its identity. Its own source may still
		// refresh data, but the merge check is skipped entirely so it can
		// never lose a merge while locked.
		return Decision{Kind: DecisionUseExisting, MatchType: matchlog.MatchRegularUpdate,
			CanonicalID: linked.CanonicalID}, nil
	}

	if docChanged(ev) && raw.HasDocument() {
		other, err := view.CanonicalByDocument(ctx, *raw.DocType, *raw.DocNumber)
		if err != nil {
			return Decision{}, wrapError(KindStorageFailure, err, "document lookup")
		}
		if other != nil && other.CanonicalID != linked.CanonicalID {
			winner, loser := pickWinner(linked, other)
			return Decision{Kind: DecisionMerge, MatchType: matchlog.MatchMergedOnUpdate,
				CanonicalID: winner, Winner: winner, Loser: loser}, nil
		}
	}
	return Decision{Kind: DecisionUseExisting, MatchType: matchlog.MatchRegularUpdate,
		CanonicalID: linked.CanonicalID}, nil
}

// docChanged reports whether the document pair differs from the previous
// snapshot. With no previous snapshot to compare (backlog replay), a present
// document counts as changed so the merge check still runs; the check is a
// no-op when the document already belongs to the linked canonical.
func docChanged(ev Event) bool {
	if ev.Old == nil {
		return ev.Raw.HasDocument()
	}
	return !docPairEqual(ev.Old, ev.Raw)
}

func docPairEqual(a, b *rawpatient.Raw) bool {
	if (a.DocType == nil) != (b.DocType == nil) || (a.DocNumber == nil) != (b.DocNumber == nil) {
		return false
	}
	if a.DocType != nil && *a.DocType != *b.DocType {
		return false
	}
	if a.DocNumber != nil && *a.DocNumber != *b.DocNumber {
		return false
	}
	return true
}

// pickWinner orders a merge pair: a mobile registration wins over a plain
// one, otherwise the lexicographically smaller id wins. Deterministic, so
// concurrent deciders agree on direction.
func pickWinner(a, b *canonical.Patient) (winner, loser uuid.UUID) {
	if a.RegisteredViaMobile != b.RegisteredViaMobile {
		if a.RegisteredViaMobile {
			return a.CanonicalID, b.CanonicalID
		}
		return b.CanonicalID, a.CanonicalID
	}
	if a.CanonicalID.String() < b.CanonicalID.String() {
		return a.CanonicalID, b.CanonicalID
	}
	return b.CanonicalID, a.CanonicalID
}
