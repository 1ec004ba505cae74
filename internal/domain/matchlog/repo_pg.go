package matchlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medsync/ire/internal/platform/db"
)

const entryCols = `entry_id, his_number, source, match_type, doc_number, created_new_canonical,
	mobile_prereg_canonical_id, resulting_canonical_id, details, created_at`

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepoPG returns a Repository backed by PostgreSQL.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) Insert(ctx context.Context, e *Entry) error {
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO match_log (his_number, source, match_type, doc_number, created_new_canonical,
			mobile_prereg_canonical_id, resulting_canonical_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING entry_id, created_at`,
		e.HISNumber, e.Source, e.MatchType, e.DocNumber, e.CreatedNewCanonical,
		e.MobilePreregCanonicalID, e.ResultingCanonicalID, e.Details,
	)
	if err := row.Scan(&e.EntryID, &e.CreatedAt); err != nil {
		return fmt.Errorf("insert match log entry: %w", err)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM match_log`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count match log: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryCols+` FROM match_log
		ORDER BY entry_id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list match log: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(&e.EntryID, &e.HISNumber, &e.Source, &e.MatchType, &e.DocNumber,
			&e.CreatedNewCanonical, &e.MobilePreregCanonicalID, &e.ResultingCanonicalID,
			&e.Details, &e.CreatedAt)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}

func (r *repoPG) TypeCounts(ctx context.Context, since time.Time) ([]TypeCount, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT match_type, COUNT(*), COUNT(*) FILTER (WHERE created_new_canonical)
		FROM match_log
		WHERE created_at >= $1
		GROUP BY match_type
		ORDER BY match_type`, since)
	if err != nil {
		return nil, fmt.Errorf("match log type counts: %w", err)
	}
	defer rows.Close()

	var counts []TypeCount
	for rows.Next() {
		var tc TypeCount
		if err := rows.Scan(&tc.MatchType, &tc.Count, &tc.Created); err != nil {
			return nil, err
		}
		counts = append(counts, tc)
	}
	return counts, rows.Err()
}

func (r *repoPG) LastEntryAt(ctx context.Context) (*time.Time, error) {
	var at time.Time
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT created_at FROM match_log ORDER BY entry_id DESC LIMIT 1`).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last match log entry: %w", err)
	}
	return &at, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
