// Package repository implements the one generic persistence algorithm every
// entity collection shares: audited creates and updates, composite-key
// uniqueness, immutable ids, and idempotent deletes. Per-type behavior comes
// entirely from the entity's own key projection and reference extraction, so
// adding an entity type never adds repository code.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataflow-works/config-registry/pkg/entities"
	"github.com/dataflow-works/config-registry/pkg/identity"
	"github.com/dataflow-works/config-registry/pkg/store"
)

// ErrInvalid is returned when an entity fails structural validation before
// any store access.
var ErrInvalid = errors.New("invalid entity")

// Config configures a Repository for one entity type.
type Config[T entities.Entity] struct {
	// Store is the shared document store.
	Store store.Store
	// New allocates an empty entity for payload decoding.
	New func() T
	// Now supplies write timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Repository persists one entity collection.
type Repository[T entities.Entity] struct {
	store      store.Store
	newEntity  func() T
	now        func() time.Time
	collection entities.Type
}

// New creates a Repository from cfg. The collection is taken from the entity
// type itself.
func New[T entities.Entity](cfg Config[T]) *Repository[T] {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Repository[T]{
		store:      cfg.Store,
		newEntity:  cfg.New,
		now:        now,
		collection: cfg.New().EntityType(),
	}
}

// Collection returns the entity type this repository persists.
func (r *Repository[T]) Collection() entities.Type { return r.collection }

// NewEntity allocates an empty entity of the repository's type, ready for
// payload decoding.
func (r *Repository[T]) NewEntity() T { return r.newEntity() }

// Create persists a new entity. The id is assigned here and the audit fields
// are stamped from the context principal; values supplied by the caller for
// any of them are overwritten. Returns store.ErrDuplicateKey when the
// collection already holds the composite key.
func (r *Repository[T]) Create(ctx context.Context, entity T) (T, error) {
	var zero T
	if err := entity.Validate(); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	rec := entity.GetRecord()
	now := r.now().UTC()
	actor := identity.ActorFromContext(ctx)
	rec.ID = uuid.New().String()
	rec.CreatedAt = now
	rec.CreatedBy = actor
	rec.UpdatedAt = now
	rec.UpdatedBy = actor

	doc, refs, err := r.encode(entity)
	if err != nil {
		return zero, err
	}
	if err := r.store.Insert(ctx, doc, refs); err != nil {
		return zero, err
	}
	return entity, nil
}

// GetByID loads one entity. Returns store.ErrNotFound when absent.
func (r *Repository[T]) GetByID(ctx context.Context, id string) (T, error) {
	var zero T
	doc, err := r.store.GetByID(ctx, string(r.collection), id)
	if err != nil {
		return zero, err
	}
	return r.decode(doc)
}

// GetByCompositeKey loads one entity by its composite key. Returns
// store.ErrNotFound when absent.
func (r *Repository[T]) GetByCompositeKey(ctx context.Context, key string) (T, error) {
	var zero T
	doc, err := r.store.GetByKey(ctx, string(r.collection), key)
	if err != nil {
		return zero, err
	}
	return r.decode(doc)
}

// Update replaces the stored entity under its immutable id. CreatedAt and
// CreatedBy always carry over from the stored record; UpdatedAt/UpdatedBy
// are stamped fresh. Returns store.ErrNotFound for unknown ids and
// store.ErrDuplicateKey when the new composite key is held by another
// entity.
func (r *Repository[T]) Update(ctx context.Context, entity T) (T, error) {
	var zero T
	if err := entity.Validate(); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	rec := entity.GetRecord()
	if rec.ID == "" {
		return zero, fmt.Errorf("%w: update requires an id", ErrInvalid)
	}

	current, err := r.GetByID(ctx, rec.ID)
	if err != nil {
		return zero, err
	}
	curRec := current.GetRecord()
	rec.CreatedAt = curRec.CreatedAt
	rec.CreatedBy = curRec.CreatedBy

	// UpdatedAt is strictly monotonic per entity, even under coarse clocks.
	now := r.now().UTC()
	if !now.After(curRec.UpdatedAt) {
		now = curRec.UpdatedAt.Add(time.Nanosecond)
	}
	rec.UpdatedAt = now
	rec.UpdatedBy = identity.ActorFromContext(ctx)

	doc, refs, err := r.encode(entity)
	if err != nil {
		return zero, err
	}
	if err := r.store.Replace(ctx, doc, refs); err != nil {
		return zero, err
	}
	return entity, nil
}

// Delete removes the entity. Deleting an absent id reports false with no
// error, so retried deletes stay safe.
func (r *Repository[T]) Delete(ctx context.Context, id string) (bool, error) {
	return r.store.Delete(ctx, string(r.collection), id)
}

// List returns the whole collection ordered by composite key.
func (r *Repository[T]) List(ctx context.Context) ([]T, error) {
	docs, err := r.store.ListCollection(ctx, string(r.collection))
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for i := range docs {
		entity, err := r.decode(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}

func (r *Repository[T]) encode(entity T) (*store.Document, []store.Ref, error) {
	payload, err := json.Marshal(entity)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s payload: %w", r.collection, err)
	}
	doc := &store.Document{
		ID:           entity.GetRecord().ID,
		Collection:   string(r.collection),
		CompositeKey: entity.CompositeKey(),
		Payload:      string(payload),
	}
	refs := make([]store.Ref, 0, len(entity.References()))
	for _, ref := range entity.References() {
		refs = append(refs, store.Ref{Field: ref.Field, Value: ref.Value})
	}
	return doc, refs, nil
}

func (r *Repository[T]) decode(doc *store.Document) (T, error) {
	entity := r.newEntity()
	if err := json.Unmarshal([]byte(doc.Payload), entity); err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s payload %s: %w", r.collection, doc.ID, err)
	}
	return entity, nil
}
