package matchlog

import (
	"time"

	"github.com/google/uuid"
)

// MatchType classifies what the engine decided for one snapshot.
type MatchType string

const (
	MatchNewNoDoc        MatchType = "NEW_NO_DOC"
	MatchNewWithDoc      MatchType = "NEW_WITH_DOC"
	MatchUpdatedExisting MatchType = "UPDATED_EXISTING"
	MatchMatchedDocument MatchType = "MATCHED_DOCUMENT"
	MatchMobileAppNew    MatchType = "MOBILE_APP_NEW"
	MatchMobileAppUpdate MatchType = "MOBILE_APP_UPDATE"
	MatchRegularUpdate   MatchType = "REGULAR_UPDATE"
	MatchMergedOnUpdate  MatchType = "MERGED_ON_UPDATE"
	MatchLockedSkip      MatchType = "LOCKED_SKIP"
	MatchManualMerge     MatchType = "MANUAL_MERGE"
)

// Entry is one append-only record of an engine decision.
type Entry struct {
	EntryID                 int64      `json:"entry_id"`
	HISNumber               *string    `json:"his_number,omitempty"`
	Source                  *string    `json:"source,omitempty"`
	MatchType               MatchType  `json:"match_type"`
	DocNumber               *int64     `json:"doc_number,omitempty"`
	CreatedNewCanonical     bool       `json:"created_new_canonical"`
	MobilePreregCanonicalID *uuid.UUID `json:"mobile_prereg_canonical_id,omitempty"`
	ResultingCanonicalID    *uuid.UUID `json:"resulting_canonical_id,omitempty"`
	Details                 Details    `json:"details"`
	CreatedAt               time.Time  `json:"created_at"`
}

// Details is the free-form tail of an entry, stored as JSONB.
type Details struct {
	IsMobileMatch     bool     `json:"is_mobile_match"`
	HasDocument       bool     `json:"has_document"`
	WinnerCanonicalID string   `json:"winner_canonical_id,omitempty"`
	LoserCanonicalID  string   `json:"loser_canonical_id,omitempty"`
	ChangedFields     []string `json:"changed_fields,omitempty"`
}

// TypeCount is one row of the per-type aggregation.
type TypeCount struct {
	MatchType MatchType `json:"match_type"`
	Count     int       `json:"count"`
	Created   int       `json:"created"`
}
