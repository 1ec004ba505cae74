package protocol

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medsync/ire/internal/platform/db"
)

const protocolCols = `protocol_id, canonical_id, source, his_number, protocol_date, protocol_name, payload, created_at`

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

func (r *repoPG) Create(ctx context.Context, p *Protocol) error {
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO protocols (canonical_id, source, his_number, protocol_date, protocol_name, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING protocol_id, created_at`,
		p.CanonicalID, p.Source, p.HISNumber, p.ProtocolDate, p.ProtocolName, p.Payload,
	)
	if err := row.Scan(&p.ProtocolID, &p.CreatedAt); err != nil {
		return fmt.Errorf("create protocol: %w", err)
	}
	return nil
}

func (r *repoPG) ListByCanonical(ctx context.Context, canonicalID uuid.UUID, limit, offset int) ([]*Protocol, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM protocols WHERE canonical_id = $1`, canonicalID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count protocols: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+protocolCols+` FROM protocols
		WHERE canonical_id = $1
		ORDER BY protocol_date DESC NULLS LAST, protocol_id DESC
		LIMIT $2 OFFSET $3`,
		canonicalID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list protocols: %w", err)
	}
	defer rows.Close()

	var protocols []*Protocol
	for rows.Next() {
		var p Protocol
		err := rows.Scan(&p.ProtocolID, &p.CanonicalID, &p.Source, &p.HISNumber,
			&p.ProtocolDate, &p.ProtocolName, &p.Payload, &p.CreatedAt)
		if err != nil {
			return nil, 0, err
		}
		protocols = append(protocols, &p)
	}
	return protocols, total, rows.Err()
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
