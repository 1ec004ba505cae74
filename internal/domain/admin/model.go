package admin

import (
	"time"

	"github.com/medsync/ire/internal/domain/canonical"
	"github.com/medsync/ire/internal/domain/mobileprereg"
	"github.com/medsync/ire/internal/domain/protocol"
	"github.com/medsync/ire/internal/domain/rawpatient"
	"github.com/medsync/ire/internal/domain/reconcile"
)

// PatientDetail is the operator drill-down for one canonical patient: the
// row itself plus everything linked to it across the staging and event
// tables.
type PatientDetail struct {
	Patient       *canonical.Patient   `json:"patient"`
	RawRecords    []*rawpatient.Raw    `json:"raw_records"`
	Protocols     []*protocol.Protocol `json:"protocols"`
	ProtocolTotal int                  `json:"protocol_total"`
	Prereg        *mobileprereg.Prereg `json:"mobile_prereg,omitempty"`
}

// EngineHealth is the operator view of the matching pipeline.
type EngineHealth struct {
	Status      string              `json:"status"`
	LastMatchAt *time.Time          `json:"last_match_at,omitempty"`
	Backlog     int                 `json:"backlog"`
	Pool        reconcile.PoolStats `json:"pool"`
}

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)
