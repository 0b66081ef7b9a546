// Package audit persists the registry's mutation trail. A Recorder consumes
// domain events from the broker and appends them as immutable records; a
// RetentionWorker sweeps records past their retention. The trail is
// best-effort: audit writes never affect the mutations they describe.
package audit

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Store provides append-only operations for audit records.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the audit_events table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&EventRecord{})
}

// Append creates a new immutable audit record.
func (s *Store) Append(ctx context.Context, record *EventRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// GetByID returns one audit record, or nil when absent.
func (s *Store) GetByID(ctx context.Context, id string) (*EventRecord, error) {
	var record EventRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return &record, nil
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	EntityType string
	EntityID   string
	Action     string
	Actor      string
}

func (f Filter) apply(query *gorm.DB) *gorm.DB {
	if f.EntityType != "" {
		query = query.Where("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		query = query.Where("entity_id = ?", f.EntityID)
	}
	if f.Action != "" {
		query = query.Where("action = ?", f.Action)
	}
	if f.Actor != "" {
		query = query.Where("actor = ?", f.Actor)
	}
	return query
}

// List returns paginated audit records ordered by occurred_at DESC (newest
// first). pageToken is an RFC3339 timestamp; records that occurred before it
// are returned.
func (s *Store) List(ctx context.Context, filter Filter, pageSize int, pageToken string) ([]EventRecord, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var totalSize int64
	if err := filter.apply(s.db.WithContext(ctx).Model(&EventRecord{})).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit events: %w", err)
	}

	query := filter.apply(s.db.WithContext(ctx)).Order("occurred_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("occurred_at < ?", t)
	}

	var records []EventRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list audit events: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].OccurredAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// DeleteOlderThan deletes audit records that occurred before the given
// cutoff time. Returns the number of deleted records.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("occurred_at < ?", cutoff).Delete(&EventRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old audit events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
