package audit

import (
	"time"
)

// EventRecord is an immutable audit log entry for one committed mutation.
type EventRecord struct {
	ID           string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	EntityType   string    `gorm:"column:entity_type;index:idx_audit_entity_time,priority:1;not null"`
	EntityID     string    `gorm:"column:entity_id;index"`
	CompositeKey string    `gorm:"column:composite_key"`
	Action       string    `gorm:"column:action;not null"` // created, updated, deleted
	Actor        string    `gorm:"column:actor;index:idx_audit_actor_time,priority:1;not null"`
	Payload      string    `gorm:"column:payload;type:text"`
	OccurredAt   time.Time `gorm:"column:occurred_at;index:idx_audit_entity_time,priority:2;index:idx_audit_actor_time,priority:2"`
}

// TableName returns the GORM table name.
func (EventRecord) TableName() string { return "audit_events" }
