package reconcile

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/medsync/ire/internal/domain/canonical"
	"github.com/medsync/ire/internal/domain/mobileprereg"
)

// storeView adapts the repositories to the View contract, translating
// pgx.ErrNoRows into the nil-on-missing convention the rules expect.
type storeView struct {
	canonicals canonical.Repository
	preregs    mobileprereg.Repository
}

// NewView builds a View over the canonical and prereg repositories.
func NewView(canonicals canonical.Repository, preregs mobileprereg.Repository) View {
	return &storeView{canonicals: canonicals, preregs: preregs}
}

func (v *storeView) CanonicalByID(ctx context.Context, id uuid.UUID) (*canonical.Patient, error) {
	p, err := v.canonicals.GetByID(ctx, id)
	return noRowsToNil(p, err)
}

func (v *storeView) CanonicalBySourceHIS(ctx context.Context, src canonical.Source, hisNumber string) (*canonical.Patient, error) {
	p, err := v.canonicals.GetBySourceHIS(ctx, src, hisNumber)
	return noRowsToNil(p, err)
}

func (v *storeView) CanonicalByDocument(ctx context.Context, docType int16, docNumber int64) (*canonical.Patient, error) {
	p, err := v.canonicals.GetByDocument(ctx, docType, docNumber)
	return noRowsToNil(p, err)
}

func (v *storeView) PreregBySourceHIS(ctx context.Context, src canonical.Source, hisNumber string) (*mobileprereg.Prereg, error) {
	p, err := v.preregs.GetBySourceHIS(ctx, src, hisNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func noRowsToNil(p *canonical.Patient, err error) (*canonical.Patient, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}
