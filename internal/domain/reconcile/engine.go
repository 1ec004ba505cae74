package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medsync/ire/internal/domain/canonical"
	"github.com/medsync/ire/internal/domain/matchlog"
	"github.com/medsync/ire/internal/domain/mobileprereg"
	"github.com/medsync/ire/internal/domain/rawpatient"
	"github.com/medsync/ire/internal/platform/db"
	"github.com/medsync/ire/internal/platform/locks"
	"github.com/medsync/ire/internal/platform/metrics"
)

// Manual merge failures the admin surface maps to client errors.
var (
	ErrMergeSelf   = errors.New("cannot merge a patient into itself")
	ErrMergeLocked = errors.New("merge participants must be unlocked")
)

// TxRunner runs a function inside one transaction. The engine never writes
// outside of one.
type TxRunner interface {
	RunTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PgTxRunner runs transactions on a pgx pool.
type PgTxRunner struct {
	Pool *pgxpool.Pool
}

func (r PgTxRunner) RunTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, r.Pool, fn)
}

// Result is the outcome of one reconcile run.
type Result struct {
	Decision    DecisionKind       `json:"decision"`
	MatchType   matchlog.MatchType `json:"match_type"`
	CanonicalID uuid.UUID          `json:"canonical_id"`
	Attempts    int                `json:"attempts"`
}

// Config wires an Engine.
type Config struct {
	Canonicals canonical.Repository
	Raws       rawpatient.Repository
	Preregs    mobileprereg.Repository
	Logs       matchlog.Repository
	Referrers  ReferrerRewriter
	Locks      locks.Manager
	Tx         TxRunner

	// RetryMax caps attempts per event, backoff doubles from BackoffBase
	// between them. Timeout bounds one whole Reconcile call.
	RetryMax    int
	BackoffBase time.Duration
	Timeout     time.Duration

	Logger zerolog.Logger
}

// Engine serializes identity work under per-key locks, decides and applies
// inside one transaction per attempt, and retries when a concurrent writer
// wins a key race.
type Engine struct {
	view        View
	mut         *Mutator
	locks       locks.Manager
	tx          TxRunner
	retryMax    int
	backoffBase time.Duration
	timeout     time.Duration
	log         zerolog.Logger
}

func NewEngine(cfg Config) *Engine {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 50 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Engine{
		view:        NewView(cfg.Canonicals, cfg.Preregs),
		mut:         NewMutator(cfg.Canonicals, cfg.Raws, cfg.Logs, cfg.Referrers),
		locks:       cfg.Locks,
		tx:          cfg.Tx,
		retryMax:    cfg.RetryMax,
		backoffBase: cfg.BackoffBase,
		timeout:     cfg.Timeout,
		log:         cfg.Logger,
	}
}

// Reconcile resolves one event to a canonical patient. Safe to call from
// any number of goroutines or processes against the same store.
func (e *Engine) Reconcile(ctx context.Context, ev Event) (Result, error) {
	start := time.Now()
	if err := validateEvent(ev); err != nil {
		metrics.RecordError(string(KindInvalidRaw))
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	keys := e.widenFromPeek(ctx, ev, eventLockKeys(ev))

	backoff := e.backoffBase
	for attempt := 1; ; attempt++ {
		res, err := e.attempt(ctx, ev, keys)
		if err == nil {
			res.Attempts = attempt
			metrics.RecordReconcile(ev.Raw.Source, string(res.MatchType), time.Since(start))
			if res.Decision == DecisionMerge {
				metrics.RecordMerge()
			}
			e.log.Info().
				Str("source", ev.Raw.Source).
				Str("his_number", ev.Raw.HISNumber).
				Str("decision", string(res.Decision)).
				Str("match_type", string(res.MatchType)).
				Str("canonical_id", res.CanonicalID.String()).
				Int("attempts", attempt).
				Msg("reconciled")
			return res, nil
		}

		var widen *widenError
		if errors.As(err, &widen) {
			if attempt >= e.retryMax {
				metrics.RecordError(string(KindRetryableConflict))
				return Result{}, wrapError(KindRetryableConflict, err, "lock set kept changing")
			}
			keys = locks.Normalize(append(keys, widen.keys...))
			continue
		}

		kind := KindOf(err)
		switch {
		case kind == KindLockTimeout:
			metrics.RecordLockTimeout()
			metrics.RecordError(string(kind))
			return Result{}, err
		case kind == KindRetryableConflict && attempt < e.retryMax:
			metrics.RecordRetry()
			e.log.Warn().
				Str("source", ev.Raw.Source).
				Str("his_number", ev.Raw.HISNumber).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("reconcile conflict, retrying")
			if serr := sleepCtx(ctx, backoff); serr != nil {
				metrics.RecordError(string(KindLockTimeout))
				return Result{}, wrapError(KindLockTimeout, serr, "deadline during retry backoff")
			}
			backoff *= 2
			continue
		default:
			if kind == "" {
				kind = KindStorageFailure
			}
			metrics.RecordError(string(kind))
			return Result{}, err
		}
	}
}

// attempt takes the lock set, then decides and applies inside one
// transaction. A decision that needs canonical keys the set does not cover
// aborts the transaction with a widenError so the caller can restart with
// the fuller set.
func (e *Engine) attempt(ctx context.Context, ev Event, keys []string) (Result, error) {
	release, err := e.locks.Acquire(ctx, keys)
	if err != nil {
		switch {
		case errors.Is(err, locks.ErrAcquireTimeout):
			return Result{}, wrapError(KindLockTimeout, err, "identity lock wait")
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return Result{}, wrapError(KindLockTimeout, err, "deadline during lock wait")
		default:
			return Result{}, wrapError(KindStorageFailure, err, "acquire identity locks")
		}
	}
	defer release()

	var res Result
	err = e.tx.RunTx(ctx, func(ctx context.Context) error {
		d, err := Decide(ctx, ev, e.view)
		if err != nil {
			return err
		}
		if missing := missingKeys(decisionCanonicalKeys(d), keys); len(missing) > 0 {
			return &widenError{keys: missing}
		}
		id, err := e.mut.Apply(ctx, ev, d)
		if err != nil {
			return err
		}
		res = Result{Decision: d.Kind, MatchType: d.MatchType, CanonicalID: id}
		return nil
	})
	if err != nil {
		var widen *widenError
		if KindOf(err) == "" && !errors.As(err, &widen) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return Result{}, wrapError(KindLockTimeout, err, "deadline during reconcile")
			}
			err = mapDBError(err)
		}
		return Result{}, err
	}
	return res, nil
}

// widenFromPeek runs the rules once against committed state, outside any
// lock, to predict which canonical rows the decision will touch. The
// in-transaction decide still verifies coverage under the held set; the
// peek just makes the first attempt hold the right keys in the common case.
func (e *Engine) widenFromPeek(ctx context.Context, ev Event, keys []string) []string {
	d, err := Decide(ctx, ev, e.view)
	if err != nil {
		return keys
	}
	return locks.Normalize(append(keys, decisionCanonicalKeys(d)...))
}

// ReconcileRaw adapts Reconcile to the ingest contract. The event is an
// update when the staged record already carries a canonical link.
func (e *Engine) ReconcileRaw(ctx context.Context, old, cur *rawpatient.Raw) (rawpatient.Outcome, error) {
	kind := EventInsert
	if cur != nil && cur.CanonicalID != nil {
		kind = EventUpdate
	}
	res, err := e.Reconcile(ctx, Event{Kind: kind, Raw: cur, Old: old})
	if err != nil {
		return rawpatient.Outcome{}, ingestErr(err)
	}
	return rawpatient.Outcome{
		Decision:    string(res.Decision),
		MatchType:   string(res.MatchType),
		CanonicalID: res.CanonicalID,
		Attempts:    res.Attempts,
	}, nil
}

// ManualMerge collapses loser into winner on operator request, holding both
// identity-lock sets for the duration. Locked patients are refused.
func (e *Engine) ManualMerge(ctx context.Context, winnerID, loserID uuid.UUID) error {
	if winnerID == loserID {
		return ErrMergeSelf
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	winner, loser, err := e.loadMergePair(ctx, winnerID, loserID)
	if err != nil {
		return err
	}

	keys := locks.Normalize(append(canonical.IdentityKeys(winner), canonical.IdentityKeys(loser)...))
	release, err := e.locks.Acquire(ctx, keys)
	if err != nil {
		return err
	}
	defer release()

	err = e.tx.RunTx(ctx, func(ctx context.Context) error {
		// Either side may have changed while we waited for the locks.
		if _, _, err := e.loadMergePair(ctx, winnerID, loserID); err != nil {
			return err
		}
		return e.mut.MergeManual(ctx, winnerID, loserID)
	})
	if err != nil {
		return err
	}

	metrics.RecordMerge()
	e.log.Info().
		Str("winner", winnerID.String()).
		Str("loser", loserID.String()).
		Msg("manual merge applied")
	return nil
}

func (e *Engine) loadMergePair(ctx context.Context, winnerID, loserID uuid.UUID) (*canonical.Patient, *canonical.Patient, error) {
	winner, err := e.view.CanonicalByID(ctx, winnerID)
	if err != nil {
		return nil, nil, err
	}
	loser, err := e.view.CanonicalByID(ctx, loserID)
	if err != nil {
		return nil, nil, err
	}
	if winner == nil {
		return nil, nil, fmt.Errorf("winner %s: %w", winnerID, pgx.ErrNoRows)
	}
	if loser == nil {
		return nil, nil, fmt.Errorf("loser %s: %w", loserID, pgx.ErrNoRows)
	}
	if winner.MatchingLocked || loser.MatchingLocked {
		return nil, nil, ErrMergeLocked
	}
	return winner, loser, nil
}

// EventForRaw builds the replay event for a staged record: an update when
// the record is already linked, an insert otherwise. The previous snapshot
// is unknown on replay.
func EventForRaw(r *rawpatient.Raw) Event {
	if r.CanonicalID != nil {
		return Event{Kind: EventUpdate, Raw: r}
	}
	return Event{Kind: EventInsert, Raw: r}
}

func validateEvent(ev Event) error {
	if ev.Raw == nil {
		return invalidRawf("event carries no raw record")
	}
	if ev.Kind != EventInsert && ev.Kind != EventUpdate {
		return invalidRawf("unknown event kind %d", ev.Kind)
	}
	if ev.Raw.RawID == 0 {
		return invalidRawf("raw record is not staged")
	}
	if strings.TrimSpace(ev.Raw.HISNumber) == "" {
		return invalidRawf("his_number is required")
	}
	if _, err := canonical.ParseSource(ev.Raw.Source); err != nil {
		return invalidRawf("%v", err)
	}
	if (ev.Raw.DocType == nil) != (ev.Raw.DocNumber == nil) {
		return invalidRawf("doc_type and doc_number must be set together")
	}
	return nil
}

// eventLockKeys is the base lock set: the raw's source-his key, both the
// new and the previous document pair, and the linked canonical if any.
func eventLockKeys(ev Event) []string {
	raw := ev.Raw
	keys := []string{locks.SourceHISKey(raw.Source, raw.HISNumber)}
	if raw.HasDocument() {
		keys = append(keys, locks.DocumentKey(*raw.DocType, *raw.DocNumber))
	}
	if ev.Old != nil && ev.Old.HasDocument() {
		keys = append(keys, locks.DocumentKey(*ev.Old.DocType, *ev.Old.DocNumber))
	}
	if raw.CanonicalID != nil {
		keys = append(keys, locks.CanonicalKey(*raw.CanonicalID))
	}
	return locks.Normalize(keys)
}

// decisionCanonicalKeys lists the canonical rows a decision writes to.
func decisionCanonicalKeys(d Decision) []string {
	switch d.Kind {
	case DecisionCreate:
		if d.CanonicalID != uuid.Nil {
			return []string{locks.CanonicalKey(d.CanonicalID)}
		}
		return nil
	case DecisionMerge:
		return []string{locks.CanonicalKey(d.Winner), locks.CanonicalKey(d.Loser)}
	default:
		return []string{locks.CanonicalKey(d.CanonicalID)}
	}
}

func missingKeys(needed, held []string) []string {
	have := make(map[string]bool, len(held))
	for _, k := range held {
		have[k] = true
	}
	var missing []string
	for _, k := range needed {
		if !have[k] {
			missing = append(missing, k)
		}
	}
	return missing
}

// widenError aborts an attempt whose decision needs canonical keys the
// current lock set does not cover.
type widenError struct {
	keys []string
}

func (e *widenError) Error() string {
	return fmt.Sprintf("decision needs locks %v", e.keys)
}

func ingestErr(err error) error {
	switch KindOf(err) {
	case KindInvalidRaw:
		return fmt.Errorf("%w: %v", rawpatient.ErrRawInvalid, err)
	case KindRetryableConflict:
		return fmt.Errorf("%w: %v", rawpatient.ErrReconcileConflict, err)
	case KindLockTimeout:
		return fmt.Errorf("%w: %v", rawpatient.ErrReconcileTimeout, err)
	default:
		return err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
