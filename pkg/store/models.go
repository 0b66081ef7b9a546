package store

import (
	"time"
)

// Document is the GORM model for one stored entity. Collection plus
// CompositeKey is unique; the index is what makes concurrent inserts of the
// same key safe.
type Document struct {
	ID           string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Collection   string    `gorm:"column:collection;type:varchar(64);uniqueIndex:idx_documents_collection_key,priority:1;not null"`
	CompositeKey string    `gorm:"column:composite_key;type:varchar(512);uniqueIndex:idx_documents_collection_key,priority:2;not null"`
	Payload      string    `gorm:"column:payload;type:text;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

// TableName returns the GORM table name.
func (Document) TableName() string { return "documents" }

// Ref is one reference field extracted from a document payload, as reported
// by the entity's References method.
type Ref struct {
	Field string
	Value string
}

// documentRef is the GORM model for the reference index. Collection is the
// owning document's collection, so reference counts resolve against the
// (collection, field, value) index without touching payloads.
type documentRef struct {
	ID         uint   `gorm:"primaryKey;autoIncrement;column:id"`
	DocumentID string `gorm:"column:document_id;type:varchar(36);index:idx_document_refs_document;not null"`
	Collection string `gorm:"column:collection;type:varchar(64);index:idx_document_refs_lookup,priority:1;not null"`
	Field      string `gorm:"column:field;type:varchar(64);index:idx_document_refs_lookup,priority:2;not null"`
	Value      string `gorm:"column:value;type:varchar(36);index:idx_document_refs_lookup,priority:3;not null"`
}

// TableName returns the GORM table name.
func (documentRef) TableName() string { return "document_refs" }
