package models

import "time"

// Session lifecycle statuses. These are a wire contract consumed by the
// dashboard and must not be renamed without a compatibility shim.
const (
	SessionPending    = "pending"
	SessionIndexing   = "indexing"
	SessionDispatched = "dispatched"
	SessionValidating = "validating"
	SessionInProgress = "in_progress"
	SessionPartial    = "partial"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
)

// Session represents one validation run for one unit/document-type combination.
// The count and progress columns are derived: they are only ever written by a
// full recomputation over the session's RequirementResults inside the same
// transaction as the triggering write, never incremented in place.
type Session struct {
	ID                  string    `gorm:"column:session_id;primaryKey;type:varchar(50)"`
	UnitID              string    `gorm:"column:unit_id;type:varchar(50);index"`
	Status              string    `gorm:"column:status;type:varchar(20);not null;default:'pending'"`
	ExpectedResultCount int       `gorm:"column:expected_result_count;not null;default:0"` // Estimate from session start; observed may exceed it
	ObservedResultCount int       `gorm:"column:observed_result_count;not null;default:0"`
	MetResultCount      int       `gorm:"column:met_result_count;not null;default:0"`
	ProgressPercent     int       `gorm:"column:progress_percent;not null;default:0"`
	ErrorMessage        string    `gorm:"column:error_message;type:text"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime"`
	LastUpdatedAt       time.Time `gorm:"column:last_updated_at;autoUpdateTime"`

	// Relationships
	Operations     []Operation         `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
	DispatchRecord *DispatchRecord     `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
	Results        []RequirementResult `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}
