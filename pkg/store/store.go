// Package store persists entity documents in a relational database. Each
// document lives in one collection; the (collection, composite key) unique
// index is the single arbiter for concurrent inserts of the same key.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Store is the persistence contract the repositories and the referential
// integrity service run on.
type Store interface {
	// Insert atomically creates a document and its reference index rows.
	// Returns ErrDuplicateKey when the collection already holds the key.
	Insert(ctx context.Context, doc *Document, refs []Ref) error
	// Replace rewrites an existing document's composite key, payload and
	// reference rows. Returns ErrNotFound for an unknown id and
	// ErrDuplicateKey when another document holds the new key.
	Replace(ctx context.Context, doc *Document, refs []Ref) error
	// GetByID loads one document by id. Returns ErrNotFound when absent.
	GetByID(ctx context.Context, collection, id string) (*Document, error)
	// GetByKey loads one document by composite key. Returns ErrNotFound
	// when absent.
	GetByKey(ctx context.Context, collection, key string) (*Document, error)
	// Delete removes a document and its reference rows. Deleting an absent
	// id reports false with no error.
	Delete(ctx context.Context, collection, id string) (bool, error)
	// ListCollection returns a collection's documents ordered by composite
	// key.
	ListCollection(ctx context.Context, collection string) ([]Document, error)
	// CountByField counts the documents in collection whose indexed field
	// holds value.
	CountByField(ctx context.Context, collection, field, value string) (int64, error)
}

// DocumentStore is the GORM-backed Store.
type DocumentStore struct {
	db *gorm.DB
}

var _ Store = (*DocumentStore)(nil)

// NewDocumentStore creates a DocumentStore on db.
func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// AutoMigrate creates or updates the documents and document_refs tables.
func (s *DocumentStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Document{}, &documentRef{})
}

// Insert creates the document and its reference rows in one transaction.
func (s *DocumentStore) Insert(ctx context.Context, doc *Document, refs []Ref) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return err
		}
		return insertRefs(tx, doc, refs)
	})
	if err != nil {
		// The unique index decides races between concurrent inserts. When
		// the create failed and another document holds the key, report the
		// conflict instead of the driver error. The lookup runs outside the
		// failed transaction.
		if s.keyHeld(ctx, doc.Collection, doc.CompositeKey, doc.ID) {
			return fmt.Errorf("%w: %s %q", ErrDuplicateKey, doc.Collection, doc.CompositeKey)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Replace rewrites the stored document under its immutable id.
func (s *DocumentStore) Replace(ctx context.Context, doc *Document, refs []Ref) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Document{}).
			Where("id = ? AND collection = ?", doc.ID, doc.Collection).
			Updates(map[string]any{
				"composite_key": doc.CompositeKey,
				"payload":       doc.Payload,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s %q", ErrNotFound, doc.Collection, doc.ID)
		}
		if err := tx.Where("document_id = ?", doc.ID).Delete(&documentRef{}).Error; err != nil {
			return fmt.Errorf("clear reference index: %w", err)
		}
		return insertRefs(tx, doc, refs)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		if s.keyHeld(ctx, doc.Collection, doc.CompositeKey, doc.ID) {
			return fmt.Errorf("%w: %s %q", ErrDuplicateKey, doc.Collection, doc.CompositeKey)
		}
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}

// GetByID retrieves a document by id.
func (s *DocumentStore) GetByID(ctx context.Context, collection, id string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		First(&doc).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: %s %q", ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// GetByKey retrieves a document by composite key.
func (s *DocumentStore) GetByKey(ctx context.Context, collection, key string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).
		Where("collection = ? AND composite_key = ?", collection, key).
		First(&doc).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: %s key %q", ErrNotFound, collection, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get document by key: %w", err)
	}
	return &doc, nil
}

// Delete removes the document and its reference rows. Absent ids report
// false with no error, so deletes stay idempotent.
func (s *DocumentStore) Delete(ctx context.Context, collection, id string) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("collection = ? AND id = ?", collection, id).Delete(&Document{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		deleted = true
		return tx.Where("document_id = ?", id).Delete(&documentRef{}).Error
	})
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	return deleted, nil
}

// ListCollection returns the collection ordered by composite key.
func (s *DocumentStore) ListCollection(ctx context.Context, collection string) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("composite_key ASC").
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("list collection %s: %w", collection, err)
	}
	return docs, nil
}

// CountByField counts reference index rows matching (collection, field,
// value). This is the live dependent count the referential integrity checks
// read; it is never cached.
func (s *DocumentStore) CountByField(ctx context.Context, collection, field, value string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&documentRef{}).
		Where("collection = ? AND field = ? AND value = ?", collection, field, value).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count references %s.%s: %w", collection, field, err)
	}
	return count, nil
}

func insertRefs(tx *gorm.DB, doc *Document, refs []Ref) error {
	for _, ref := range refs {
		if ref.Value == "" {
			continue
		}
		row := documentRef{
			DocumentID: doc.ID,
			Collection: doc.Collection,
			Field:      ref.Field,
			Value:      ref.Value,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("index reference %s: %w", ref.Field, err)
		}
	}
	return nil
}

// keyHeld reports whether a document other than id holds key in collection.
func (s *DocumentStore) keyHeld(ctx context.Context, collection, key, id string) bool {
	var count int64
	err := s.db.WithContext(ctx).Model(&Document{}).
		Where("collection = ? AND composite_key = ? AND id <> ?", collection, key, id).
		Count(&count).Error
	return err == nil && count > 0
}
