package mobileprereg

import (
	"time"

	"github.com/google/uuid"

	"github.com/medsync/ire/internal/domain/canonical"
)

// Prereg reserves a canonical id for a mobile-app user before any HIS record
// arrives. The canonical_id is not a foreign key: the canonical row is
// materialized later, when the first matching HIS snapshot shows up.
type Prereg struct {
	PreregID             uuid.UUID `json:"prereg_id"`
	CanonicalID          uuid.UUID `json:"canonical_id"`
	HISNumberQMS         *string   `json:"his_number_qms,omitempty"`
	HISNumberInfoclinica *string   `json:"his_number_infoclinica,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// HISNumber returns the registered number for the given source, or "".
func (p *Prereg) HISNumber(src canonical.Source) string {
	switch src {
	case canonical.SourceQMS:
		if p.HISNumberQMS != nil {
			return *p.HISNumberQMS
		}
	case canonical.SourceInfoclinica:
		if p.HISNumberInfoclinica != nil {
			return *p.HISNumberInfoclinica
		}
	}
	return ""
}

// Stats summarizes the pre-registration population.
type Stats struct {
	Total           int `json:"total"`
	BothSources     int `json:"both_sources"`
	QMSOnly         int `json:"qms_only"`
	InfoclinicaOnly int `json:"infoclinica_only"`
}
