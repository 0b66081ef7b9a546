package entities

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies an entity collection in the document store.
type Type string

const (
	TypeProtocol        Type = "protocol"
	TypeSource          Type = "source"
	TypeDestination     Type = "destination"
	TypeImporter        Type = "importer"
	TypeExporter        Type = "exporter"
	TypeProcessor       Type = "processor"
	TypeProcessingChain Type = "processing_chain"
	TypeStep            Type = "step"
	TypeAssignment      Type = "assignment"
	TypeFlow            Type = "flow"
	TypeScheduledTask   Type = "scheduled_task"
	TypeScheduledFlow   Type = "scheduled_flow"
)

// Reference field names as stored in the document reference index. Dependent
// entities report these via References; the reference graph registers the same
// names, so a rename here is a data migration.
const (
	FieldProtocolID    = "protocol_id"
	FieldSourceID      = "source_id"
	FieldDestinationID = "destination_id"
	FieldProcessorID   = "processor_id"
	FieldChainID       = "chain_id"
	FieldStepID        = "step_id"
	FieldImporterID    = "importer_id"
	FieldExporterID    = "exporter_id"
	FieldFlowID        = "flow_id"
)

var displayNames = map[Type]string{
	TypeProtocol:        "Protocol",
	TypeSource:          "Source",
	TypeDestination:     "Destination",
	TypeImporter:        "Importer",
	TypeExporter:        "Exporter",
	TypeProcessor:       "Processor",
	TypeProcessingChain: "ProcessingChain",
	TypeStep:            "Step",
	TypeAssignment:      "Assignment",
	TypeFlow:            "Flow",
	TypeScheduledTask:   "ScheduledTask",
	TypeScheduledFlow:   "ScheduledFlow",
}

// DisplayName returns the human-readable type name used in reference
// summaries, e.g. "Source (2 records)".
func (t Type) DisplayName() string {
	if name, ok := displayNames[t]; ok {
		return name
	}
	return string(t)
}

// Valid reports whether t names a known collection.
func (t Type) Valid() bool {
	_, ok := displayNames[t]
	return ok
}

// Types returns every known entity type in declaration order.
func Types() []Type {
	return []Type{
		TypeProtocol,
		TypeSource,
		TypeDestination,
		TypeImporter,
		TypeExporter,
		TypeProcessor,
		TypeProcessingChain,
		TypeStep,
		TypeAssignment,
		TypeFlow,
		TypeScheduledTask,
		TypeScheduledFlow,
	}
}

// FieldRef names one scalar foreign-key field on an entity and the id it
// currently holds. Value is empty when the reference is unset.
type FieldRef struct {
	Field string
	Type  Type
	Value string
}

// Record is the audited base shape every entity embeds. ID is assigned on
// create and never changes afterwards; UpdatedAt/UpdatedBy are stamped on
// every successful mutation.
type Record struct {
	ID            string    `json:"id" yaml:"id"`
	Version       string    `json:"version" yaml:"version"`
	Name          string    `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty"`
	Configuration ValueMap  `json:"configuration,omitempty" yaml:"configuration,omitempty"`
	CreatedAt     time.Time `json:"createdAt" yaml:"createdAt"`
	CreatedBy     string    `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt" yaml:"updatedAt"`
	UpdatedBy     string    `json:"updatedBy,omitempty" yaml:"updatedBy,omitempty"`
}

// GetRecord returns the embedded base record for generic access.
func (r *Record) GetRecord() *Record { return r }

// Entity is implemented by every configuration record kind.
type Entity interface {
	// EntityType names the collection the entity belongs to.
	EntityType() Type
	// CompositeKey projects the identity fields into the collection-unique
	// key, parts joined with "_".
	CompositeKey() string
	// References lists the entity's outgoing foreign-key fields.
	References() []FieldRef
	// GetRecord exposes the embedded base record.
	GetRecord() *Record
	// Validate checks structural requirements before persistence.
	Validate() error
}

// JoinKey builds a composite key from its parts.
func JoinKey(parts ...string) string {
	return strings.Join(parts, "_")
}

// New returns a zero value of the concrete entity type for t.
func New(t Type) (Entity, error) {
	switch t {
	case TypeProtocol:
		return &Protocol{}, nil
	case TypeSource:
		return &Source{}, nil
	case TypeDestination:
		return &Destination{}, nil
	case TypeImporter:
		return &Importer{}, nil
	case TypeExporter:
		return &Exporter{}, nil
	case TypeProcessor:
		return &Processor{}, nil
	case TypeProcessingChain:
		return &ProcessingChain{}, nil
	case TypeStep:
		return &Step{}, nil
	case TypeAssignment:
		return &Assignment{}, nil
	case TypeFlow:
		return &Flow{}, nil
	case TypeScheduledTask:
		return &ScheduledTask{}, nil
	case TypeScheduledFlow:
		return &ScheduledFlow{}, nil
	default:
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
}

// requireFields checks name/value pairs in order and reports the first empty
// value.
func requireFields(t Type, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%s: missing required field %q", t, pairs[i])
		}
	}
	return nil
}
