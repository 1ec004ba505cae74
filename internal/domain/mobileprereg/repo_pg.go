package mobileprereg

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medsync/ire/internal/domain/canonical"
	"github.com/medsync/ire/internal/platform/db"
)

const preregCols = `prereg_id, canonical_id, his_number_qms, his_number_infoclinica, created_at, updated_at`

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

func (r *repoPG) Create(ctx context.Context, p *Prereg) error {
	if p.PreregID == uuid.Nil {
		p.PreregID = uuid.New()
	}
	if p.CanonicalID == uuid.Nil {
		p.CanonicalID = uuid.New()
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO mobile_prereg (prereg_id, canonical_id, his_number_qms, his_number_infoclinica)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		p.PreregID, p.CanonicalID, p.HISNumberQMS, p.HISNumberInfoclinica,
	)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return fmt.Errorf("create mobile prereg: %w", err)
	}
	return nil
}

func (r *repoPG) GetBySourceHIS(ctx context.Context, src canonical.Source, hisNumber string) (*Prereg, error) {
	var col string
	switch src {
	case canonical.SourceQMS:
		col = "his_number_qms"
	case canonical.SourceInfoclinica:
		col = "his_number_infoclinica"
	default:
		return nil, fmt.Errorf("unknown source %q", src)
	}
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+preregCols+` FROM mobile_prereg WHERE `+col+` = $1`, hisNumber)
	return scanPrereg(row)
}

func (r *repoPG) GetByCanonicalID(ctx context.Context, canonicalID uuid.UUID) (*Prereg, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+preregCols+` FROM mobile_prereg WHERE canonical_id = $1`, canonicalID)
	return scanPrereg(row)
}

func (r *repoPG) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE his_number_qms IS NOT NULL AND his_number_infoclinica IS NOT NULL),
			COUNT(*) FILTER (WHERE his_number_qms IS NOT NULL AND his_number_infoclinica IS NULL),
			COUNT(*) FILTER (WHERE his_number_qms IS NULL AND his_number_infoclinica IS NOT NULL)
		FROM mobile_prereg`,
	).Scan(&s.Total, &s.BothSources, &s.QMSOnly, &s.InfoclinicaOnly)
	if err != nil {
		return nil, fmt.Errorf("mobile prereg stats: %w", err)
	}
	return &s, nil
}

func scanPrereg(row pgx.Row) (*Prereg, error) {
	var p Prereg
	err := row.Scan(&p.PreregID, &p.CanonicalID, &p.HISNumberQMS, &p.HISNumberInfoclinica,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
