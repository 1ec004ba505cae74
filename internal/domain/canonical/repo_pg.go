package canonical

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medsync/ire/internal/platform/db"
)

const patientCols = `canonical_id, doc_type, doc_number, last_name, first_name, middle_name, birth_date,
	hisnumber_qms, email_qms, phone_qms, password_qms, login_qms,
	hisnumber_infoclinica, email_infoclinica, phone_infoclinica, password_infoclinica, login_infoclinica,
	primary_source, registered_via_mobile, matching_locked, locked_at, lock_reason, created_at, updated_at`

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

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	if p.CanonicalID == uuid.Nil {
		p.CanonicalID = uuid.New()
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO canonical_patient (
			canonical_id, doc_type, doc_number, last_name, first_name, middle_name, birth_date,
			hisnumber_qms, email_qms, phone_qms, password_qms, login_qms,
			hisnumber_infoclinica, email_infoclinica, phone_infoclinica, password_infoclinica, login_infoclinica,
			primary_source, registered_via_mobile, matching_locked, locked_at, lock_reason
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		RETURNING created_at, updated_at`,
		p.CanonicalID, p.DocType, p.DocNumber, p.LastName, p.FirstName, p.MiddleName, p.BirthDate,
		p.QMS.HISNumber, p.QMS.Email, p.QMS.Phone, p.QMS.Password, p.QMS.Login,
		p.Infoclinica.HISNumber, p.Infoclinica.Email, p.Infoclinica.Phone, p.Infoclinica.Password, p.Infoclinica.Login,
		p.PrimarySource, p.RegisteredViaMobile, p.MatchingLocked, p.LockedAt, p.LockReason,
	)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return fmt.Errorf("create canonical patient: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM canonical_patient WHERE canonical_id = $1`, id)
	return scanPatient(row)
}

func (r *repoPG) GetBySourceHIS(ctx context.Context, src Source, hisNumber string) (*Patient, error) {
	col, err := hisColumn(src)
	if err != nil {
		return nil, err
	}
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM canonical_patient WHERE `+col+` = $1 AND NOT matching_locked`,
		hisNumber)
	return scanPatient(row)
}

func (r *repoPG) GetByDocument(ctx context.Context, docType int16, docNumber int64) (*Patient, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+patientCols+` FROM canonical_patient
		WHERE doc_type = $1 AND doc_number = $2 AND NOT matching_locked`,
		docType, docNumber)
	return scanPatient(row)
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE canonical_patient SET
			doc_type = $2, doc_number = $3,
			last_name = $4, first_name = $5, middle_name = $6, birth_date = $7,
			hisnumber_qms = $8, email_qms = $9, phone_qms = $10, password_qms = $11, login_qms = $12,
			hisnumber_infoclinica = $13, email_infoclinica = $14, phone_infoclinica = $15,
			password_infoclinica = $16, login_infoclinica = $17,
			primary_source = $18, registered_via_mobile = $19, updated_at = now()
		WHERE canonical_id = $1`,
		p.CanonicalID, p.DocType, p.DocNumber,
		p.LastName, p.FirstName, p.MiddleName, p.BirthDate,
		p.QMS.HISNumber, p.QMS.Email, p.QMS.Phone, p.QMS.Password, p.QMS.Login,
		p.Infoclinica.HISNumber, p.Infoclinica.Email, p.Infoclinica.Phone,
		p.Infoclinica.Password, p.Infoclinica.Login,
		p.PrimarySource, p.RegisteredViaMobile,
	)
	if err != nil {
		return fmt.Errorf("update canonical patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM canonical_patient WHERE canonical_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete canonical patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *repoPG) Search(ctx context.Context, q string, limit, offset int) ([]*Patient, int, error) {
	pattern := q + "%"
	where := `(last_name ILIKE $1 OR first_name ILIKE $1
		OR hisnumber_qms LIKE $1 OR hisnumber_infoclinica LIKE $1)`

	var total int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM canonical_patient WHERE `+where, pattern).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count canonical patients: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+patientCols+` FROM canonical_patient
		WHERE `+where+`
		ORDER BY last_name NULLS LAST, first_name, canonical_id
		LIMIT $2 OFFSET $3`,
		pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search canonical patients: %w", err)
	}
	defer rows.Close()

	patients, err := scanPatientRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return patients, total, nil
}

func (r *repoPG) SetLock(ctx context.Context, id uuid.UUID, locked bool, reason *string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE canonical_patient SET
			matching_locked = $2,
			locked_at = CASE WHEN $2 THEN now() ELSE NULL END,
			lock_reason = $3,
			updated_at = now()
		WHERE canonical_id = $1`,
		id, locked, reason)
	if err != nil {
		return fmt.Errorf("set matching lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func hisColumn(src Source) (string, error) {
	switch src {
	case SourceQMS:
		return "hisnumber_qms", nil
	case SourceInfoclinica:
		return "hisnumber_infoclinica", nil
	default:
		return "", fmt.Errorf("unknown source %q", src)
	}
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.CanonicalID, &p.DocType, &p.DocNumber,
		&p.LastName, &p.FirstName, &p.MiddleName, &p.BirthDate,
		&p.QMS.HISNumber, &p.QMS.Email, &p.QMS.Phone, &p.QMS.Password, &p.QMS.Login,
		&p.Infoclinica.HISNumber, &p.Infoclinica.Email, &p.Infoclinica.Phone,
		&p.Infoclinica.Password, &p.Infoclinica.Login,
		&p.PrimarySource, &p.RegisteredViaMobile, &p.MatchingLocked, &p.LockedAt, &p.LockReason,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPatientRows(rows pgx.Rows) ([]*Patient, error) {
	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
