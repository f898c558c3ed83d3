package models

import "time"

// Operation statuses. Completed and failed are terminal; once reached the
// status column is immutable.
const (
	OperationPending    = "pending"
	OperationProcessing = "processing"
	OperationCompleted  = "completed"
	OperationFailed     = "failed"
)

// Operation represents one asynchronous document-indexing task owned by
// exactly one Session.
type Operation struct {
	ID         string     `gorm:"column:operation_id;primaryKey;type:varchar(50)"`
	SessionID  string     `gorm:"column:session_id;type:varchar(50);index;not null"`
	Session    *Session   `gorm:"foreignKey:SessionID"`
	DocumentID string     `gorm:"column:document_id;type:varchar(100)"`
	Status     string     `gorm:"column:status;type:varchar(20);not null;default:'pending'"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime"`
	FinishedAt *time.Time `gorm:"column:finished_at"` // Null until terminal
}

// Terminal reports whether s is a terminal operation status.
func Terminal(s string) bool {
	return s == OperationCompleted || s == OperationFailed
}
