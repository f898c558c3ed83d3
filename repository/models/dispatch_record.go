package models

import "time"

// DispatchRecord is the idempotency witness that the validation workflow has
// been started for a session. The primary key on session_id is the uniqueness
// constraint the exactly-once guarantee depends on; it must not be relaxed.
type DispatchRecord struct {
	SessionID    string     `gorm:"column:session_id;primaryKey;type:varchar(50)"`
	Session      *Session   `gorm:"foreignKey:SessionID"`
	DispatchedAt time.Time  `gorm:"column:dispatched_at;not null"`
	Attempts     int        `gorm:"column:attempts;not null;default:0"`
	Delivered    bool       `gorm:"column:delivered;not null;default:false"`
	DeliveredAt  *time.Time `gorm:"column:delivered_at"`
	LastError    string     `gorm:"column:last_error;type:text"`
}
