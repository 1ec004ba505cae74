package rawpatient

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medsync/ire/internal/platform/db"
)

const rawCols = `raw_id, his_number, source, business_unit, last_name, first_name, middle_name,
	birth_date, doc_type, doc_number, email, phone, his_password, login_email,
	canonical_id, processed_at, created_at, updated_at`

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

func (r *repoPG) Upsert(ctx context.Context, rec *Raw) error {
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO raw_patient (
			his_number, source, business_unit, last_name, first_name, middle_name,
			birth_date, doc_type, doc_number, email, phone, his_password, login_email
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (his_number, source) DO UPDATE SET
			business_unit = EXCLUDED.business_unit,
			last_name     = EXCLUDED.last_name,
			first_name    = EXCLUDED.first_name,
			middle_name   = EXCLUDED.middle_name,
			birth_date    = EXCLUDED.birth_date,
			doc_type      = EXCLUDED.doc_type,
			doc_number    = EXCLUDED.doc_number,
			email         = EXCLUDED.email,
			phone         = EXCLUDED.phone,
			his_password  = EXCLUDED.his_password,
			login_email   = EXCLUDED.login_email,
			processed_at  = NULL,
			updated_at    = now()
		RETURNING raw_id, canonical_id, processed_at, created_at, updated_at`,
		rec.HISNumber, rec.Source, rec.BusinessUnit, rec.LastName, rec.FirstName, rec.MiddleName,
		rec.BirthDate, rec.DocType, rec.DocNumber, rec.Email, rec.Phone, rec.HISPassword, rec.LoginEmail,
	)
	err := row.Scan(&rec.RawID, &rec.CanonicalID, &rec.ProcessedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert raw patient: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, rawID int64) (*Raw, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+rawCols+` FROM raw_patient WHERE raw_id = $1`, rawID)
	return scanRaw(row)
}

func (r *repoPG) GetByHISSource(ctx context.Context, source, hisNumber string) (*Raw, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+rawCols+` FROM raw_patient WHERE his_number = $1 AND source = $2`,
		hisNumber, source)
	return scanRaw(row)
}

func (r *repoPG) Stamp(ctx context.Context, rawID int64, canonicalID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE raw_patient SET canonical_id = $2, processed_at = now()
		WHERE raw_id = $1`,
		rawID, canonicalID)
	if err != nil {
		return fmt.Errorf("stamp raw patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *repoPG) ListUnprocessed(ctx context.Context, limit int) ([]*Raw, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+rawCols+` FROM raw_patient
		WHERE processed_at IS NULL
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed raw patients: %w", err)
	}
	defer rows.Close()
	return scanRawRows(rows)
}

func (r *repoPG) CountUnprocessed(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM raw_patient WHERE processed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unprocessed raw patients: %w", err)
	}
	return n, nil
}

func (r *repoPG) ListByCanonical(ctx context.Context, canonicalID uuid.UUID) ([]*Raw, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+rawCols+` FROM raw_patient
		WHERE canonical_id = $1
		ORDER BY source, his_number`, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("list raw patients by canonical: %w", err)
	}
	defer rows.Close()
	return scanRawRows(rows)
}

func scanRaw(row pgx.Row) (*Raw, error) {
	var rec Raw
	err := row.Scan(
		&rec.RawID, &rec.HISNumber, &rec.Source, &rec.BusinessUnit,
		&rec.LastName, &rec.FirstName, &rec.MiddleName,
		&rec.BirthDate, &rec.DocType, &rec.DocNumber,
		&rec.Email, &rec.Phone, &rec.HISPassword, &rec.LoginEmail,
		&rec.CanonicalID, &rec.ProcessedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanRawRows(rows pgx.Rows) ([]*Raw, error) {
	var recs []*Raw
	for rows.Next() {
		rec, err := scanRaw(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
