// Package events defines the domain events the registry emits after
// successful mutations and the publisher contract the mutation path depends
// on. Publishing is fire and forget: a committed write never rolls back
// because an event could not be delivered.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dataflow-works/config-registry/pkg/entities"
)

// Action is the mutation kind an event describes.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Event describes one committed entity mutation. Entity carries the
// entity's JSON payload as written (deleted events carry the last stored
// payload).
type Event struct {
	ID           string          `json:"id"`
	Action       Action          `json:"action"`
	EntityType   entities.Type   `json:"entityType"`
	EntityID     string          `json:"entityId"`
	CompositeKey string          `json:"compositeKey"`
	Actor        string          `json:"actor"`
	OccurredAt   time.Time       `json:"occurredAt"`
	Entity       json.RawMessage `json:"entity,omitempty"`
}

// NewEvent builds an event for a committed mutation of entity.
func NewEvent(action Action, entity entities.Entity, actor string) (Event, error) {
	payload, err := json.Marshal(entity)
	if err != nil {
		return Event{}, err
	}
	rec := entity.GetRecord()
	return Event{
		ID:           uuid.New().String(),
		Action:       action,
		EntityType:   entity.EntityType(),
		EntityID:     rec.ID,
		CompositeKey: entity.CompositeKey(),
		Actor:        actor,
		OccurredAt:   time.Now().UTC(),
		Entity:       payload,
	}, nil
}

// Publisher delivers events emitted by the mutation path. Implementations
// may fan out in process, bridge to an external broker, or drop everything;
// callers never depend on delivery.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }
