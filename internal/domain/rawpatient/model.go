package rawpatient

import (
	"time"

	"github.com/google/uuid"
)

// Raw is one staged snapshot of a patient as a source HIS last sent it.
// There is at most one row per (source, his_number) pair; re-ingesting the
// same pair overwrites the row and clears processed_at so the engine sees
// the new state.
type Raw struct {
	RawID        int64      `json:"raw_id"`
	HISNumber    string     `json:"his_number"`
	Source       string     `json:"source"`
	BusinessUnit *int16     `json:"business_unit,omitempty"`
	LastName     *string    `json:"last_name,omitempty"`
	FirstName    *string    `json:"first_name,omitempty"`
	MiddleName   *string    `json:"middle_name,omitempty"`
	BirthDate    *time.Time `json:"birth_date,omitempty"`
	DocType      *int16     `json:"doc_type,omitempty"`
	DocNumber    *int64     `json:"doc_number,omitempty"`
	Email        *string    `json:"email,omitempty"`
	Phone        *string    `json:"phone,omitempty"`
	HISPassword  *string    `json:"-"`
	LoginEmail   *string    `json:"login_email,omitempty"`
	CanonicalID  *uuid.UUID `json:"canonical_id,omitempty"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasDocument reports whether the snapshot carries a complete document pair.
func (r *Raw) HasDocument() bool {
	return r.DocType != nil && r.DocNumber != nil
}
