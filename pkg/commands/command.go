// Package commands carries mutation and query envelopes from the adapters
// (HTTP, CLI, seeder) to the entity repositories. Every command addresses one
// entity collection and produces exactly one reply; deletes and key-changing
// updates of referenced types are checked against the reference graph before
// the write, and committed mutations publish one domain event.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dataflow-works/config-registry/pkg/entities"
	"github.com/dataflow-works/config-registry/pkg/refgraph"
	"github.com/dataflow-works/config-registry/pkg/repository"
	"github.com/dataflow-works/config-registry/pkg/store"
)

// Kind selects the operation a command performs.
type Kind string

const (
	KindCreate             Kind = "create"
	KindUpdate             Kind = "update"
	KindDelete             Kind = "delete"
	KindGet                Kind = "get"
	KindGetByKey           Kind = "get_by_key"
	KindList               Kind = "list"
	KindValidateDeletion   Kind = "validate_deletion"
	KindReferenceInventory Kind = "reference_inventory"
)

// Command is one unit of work addressed to a single entity collection.
type Command struct {
	// ID correlates the command with its reply. Assigned on submit when
	// empty.
	ID string `json:"id,omitempty"`
	// Kind selects the operation.
	Kind Kind `json:"kind"`
	// EntityType names the collection the command operates on.
	EntityType entities.Type `json:"entityType"`
	// TargetID addresses an existing entity for update, delete, get,
	// validate_deletion and reference_inventory.
	TargetID string `json:"targetId,omitempty"`
	// CompositeKey addresses an entity for get_by_key.
	CompositeKey string `json:"compositeKey,omitempty"`
	// Payload carries the entity document for create and update.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Actor is stamped into the audit fields of mutations. Defaults to the
	// system actor.
	Actor string `json:"actor,omitempty"`
	// IssuedAt records when the command entered the bus.
	IssuedAt time.Time `json:"issuedAt,omitempty"`
}

// Reply is the single response to one command. Exactly one of the result
// fields is populated for a successful command; Error is set otherwise.
// Validation accompanies reference_conflict errors so callers can surface
// what blocked the mutation.
type Reply struct {
	CommandID  string                     `json:"commandId,omitempty"`
	Entity     json.RawMessage            `json:"entity,omitempty"`
	Entities   []json.RawMessage          `json:"entities,omitempty"`
	Deleted    *bool                      `json:"deleted,omitempty"`
	Validation *refgraph.ValidationResult `json:"validation,omitempty"`
	References *refgraph.ReferenceInfo    `json:"references,omitempty"`
	Error      *Error                     `json:"error,omitempty"`
}

// ErrorKind classifies a failed command.
type ErrorKind string

const (
	ErrorDuplicateKey      ErrorKind = "duplicate_key"
	ErrorNotFound          ErrorKind = "not_found"
	ErrorReferenceConflict ErrorKind = "reference_conflict"
	ErrorInvalid           ErrorKind = "invalid"
	ErrorInternal          ErrorKind = "internal"
)

// Error is the structured failure carried in a reply.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError classifies err into the command error taxonomy.
func NewError(err error) *Error {
	return &Error{Kind: classify(err), Message: err.Error()}
}

func invalidError(format string, args ...any) *Error {
	return &Error{Kind: ErrorInvalid, Message: fmt.Sprintf(format, args...)}
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, store.ErrDuplicateKey):
		return ErrorDuplicateKey
	case errors.Is(err, store.ErrNotFound):
		return ErrorNotFound
	case errors.Is(err, refgraph.ErrReferenced):
		return ErrorReferenceConflict
	case errors.Is(err, repository.ErrInvalid):
		return ErrorInvalid
	default:
		return ErrorInternal
	}
}
