package canonical

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source identifies an upstream HIS feeding the registry.
type Source string

const (
	SourceQMS         Source = "qms"
	SourceInfoclinica Source = "infoclinica"
)

// KnownSources returns every HIS the registry accepts, in stable order.
func KnownSources() []Source {
	return []Source{SourceQMS, SourceInfoclinica}
}

// ParseSource validates an incoming source string.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceQMS:
		return SourceQMS, nil
	case SourceInfoclinica:
		return SourceInfoclinica, nil
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// Slot is one per-source identity block on a canonical. A slot is either
// entirely empty or carries at least HISNumber.
type Slot struct {
	HISNumber *string `json:"his_number,omitempty"`
	Email     *string `json:"email,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	Password  *string `json:"-"`
	Login     *string `json:"login,omitempty"`
}

// Empty reports whether the slot carries no HIS number.
func (s *Slot) Empty() bool {
	return s.HISNumber == nil || *s.HISNumber == ""
}

// Patient maps to the canonical_patient table: the single row representing a
// real person across every HIS.
type Patient struct {
	CanonicalID uuid.UUID  `json:"canonical_id"`
	DocType     *int16     `json:"doc_type,omitempty"`
	DocNumber   *int64     `json:"doc_number,omitempty"`
	LastName    *string    `json:"last_name,omitempty"`
	FirstName   *string    `json:"first_name,omitempty"`
	MiddleName  *string    `json:"middle_name,omitempty"`
	BirthDate   *time.Time `json:"birth_date,omitempty"`

	QMS         Slot `json:"qms"`
	Infoclinica Slot `json:"infoclinica"`

	PrimarySource       *string `json:"primary_source,omitempty"`
	RegisteredViaMobile bool    `json:"registered_via_mobile"`

	MatchingLocked bool       `json:"matching_locked"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
	LockReason     *string    `json:"lock_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Slot returns the per-source block for src. The pointer aliases the Patient,
// so writes through it mutate the canonical.
func (p *Patient) Slot(src Source) *Slot {
	switch src {
	case SourceQMS:
		return &p.QMS
	case SourceInfoclinica:
		return &p.Infoclinica
	}
	return nil
}

// HISNumber returns the HIS number held in the slot for src, or "" when the
// slot is empty.
func (p *Patient) HISNumber(src Source) string {
	slot := p.Slot(src)
	if slot == nil || slot.HISNumber == nil {
		return ""
	}
	return *slot.HISNumber
}

// HasDocument reports whether the identity-document pair is populated.
func (p *Patient) HasDocument() bool {
	return p.DocType != nil && p.DocNumber != nil
}
