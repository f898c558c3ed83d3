package models

import "time"

// RequirementResult statuses as reported by the AI-validation collaborator.
const (
	ResultMet     = "met"
	ResultPartial = "partial"
	ResultNotMet  = "not-met"
)

// RequirementResult is the evaluated outcome for one (session, requirement)
// pair. The composite unique index gives result writes upsert semantics.
type RequirementResult struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	SessionID     string    `gorm:"column:session_id;type:varchar(50);uniqueIndex:uniq_session_requirement;not null"`
	Session       *Session  `gorm:"foreignKey:SessionID"`
	RequirementID string    `gorm:"column:requirement_id;type:varchar(100);uniqueIndex:uniq_session_requirement;not null"`
	Status        string    `gorm:"column:status;type:varchar(20);not null"`
	Evidence      string    `gorm:"column:evidence;type:text"`
	Citations     string    `gorm:"column:citations;type:text"` // JSON array of strings
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
