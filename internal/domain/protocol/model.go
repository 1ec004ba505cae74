package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Protocol is one clinical visit document, re-keyed from the source HIS
// identifier to the canonical patient at ingest time.
type Protocol struct {
	ProtocolID   int64           `json:"protocol_id"`
	CanonicalID  uuid.UUID       `json:"canonical_id"`
	Source       string          `json:"source"`
	HISNumber    string          `json:"his_number"`
	ProtocolDate *time.Time      `json:"protocol_date,omitempty"`
	ProtocolName *string         `json:"protocol_name,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
