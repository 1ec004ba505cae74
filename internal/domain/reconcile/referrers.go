package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/medsync/ire/internal/platform/db"
)

// ReferrerRewriter moves every foreign reference from one canonical id to
// another. Merges call it before deleting the loser row.
type ReferrerRewriter interface {
	Rewrite(ctx context.Context, from, to uuid.UUID) error
}

// Referrers is the registry of (table, column) pairs that point at
// canonical_patient. Deployments add site-specific tables through
// configuration; a table missed here would keep dangling ids after a merge.
type Referrers struct {
	pairs [][2]string
}

// NewReferrers seeds the registry with the built-in referrers plus any
// extra pairs from configuration.
func NewReferrers(extra ...[2]string) *Referrers {
	pairs := [][2]string{
		{"raw_patient", "canonical_id"},
		{"protocols", "canonical_id"},
		{"mobile_prereg", "canonical_id"},
	}
	pairs = append(pairs, extra...)
	return &Referrers{pairs: pairs}
}

// Pairs returns the registered (table, column) pairs.
func (r *Referrers) Pairs() [][2]string {
	out := make([][2]string, len(r.pairs))
	copy(out, r.pairs)
	return out
}

// Rewrite updates every registered referrer inside the caller's
// transaction. Rewriting outside a transaction would leave half-moved
// references on failure, so a missing transaction is an error.
func (r *Referrers) Rewrite(ctx context.Context, from, to uuid.UUID) error {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return fmt.Errorf("referrer rewrite requires a transaction")
	}
	for _, pair := range r.pairs {
		table := pgx.Identifier{pair[0]}.Sanitize()
		col := pgx.Identifier{pair[1]}.Sanitize()
		sql := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s = $2", table, col, col)
		if _, err := tx.Exec(ctx, sql, to, from); err != nil {
			return fmt.Errorf("rewrite %s.%s: %w", pair[0], pair[1], err)
		}
	}
	return nil
}
