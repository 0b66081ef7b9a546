// Package seed loads declarative YAML documents describing registry entities
// and applies them through the command bus. Seeding is idempotent: items whose
// composite key is already held are skipped, so the same document can be
// re-applied on every start and on every file change. Documents come from a
// local file (FileProvider, hot-reloaded via Watcher) or a git repository
// (GitProvider).
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dataflow-works/config-registry/pkg/commands"
	"github.com/dataflow-works/config-registry/pkg/entities"
)

// ActorName is stamped into the audit fields of every seeded write.
const ActorName = "seeder"

// Document is one declarative seed file: a list of entities per type, each in
// the registry's YAML shape. Reference fields may hold the composite key of
// the referenced entity instead of its id; the seeder resolves keys against
// earlier sections and the live registry.
type Document struct {
	Protocols        []yaml.Node `yaml:"protocols,omitempty"`
	Sources          []yaml.Node `yaml:"sources,omitempty"`
	Destinations     []yaml.Node `yaml:"destinations,omitempty"`
	Importers        []yaml.Node `yaml:"importers,omitempty"`
	Exporters        []yaml.Node `yaml:"exporters,omitempty"`
	Processors       []yaml.Node `yaml:"processors,omitempty"`
	ProcessingChains []yaml.Node `yaml:"processingChains,omitempty"`
	Steps            []yaml.Node `yaml:"steps,omitempty"`
	Assignments      []yaml.Node `yaml:"assignments,omitempty"`
	Flows            []yaml.Node `yaml:"flows,omitempty"`
	ScheduledTasks   []yaml.Node `yaml:"scheduledTasks,omitempty"`
	ScheduledFlows   []yaml.Node `yaml:"scheduledFlows,omitempty"`
}

// Parse decodes a seed document. Unknown top-level sections are rejected;
// empty input yields an empty document.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &Document{}, nil
		}
		return nil, fmt.Errorf("parse seed document: %w", err)
	}
	return &doc, nil
}

type section struct {
	entityType entities.Type
	items      []yaml.Node
}

// sections returns the document in apply order. The order follows the
// reference graph so items can point at entities declared in earlier
// sections of the same document.
func (d *Document) sections() []section {
	return []section{
		{entities.TypeProtocol, d.Protocols},
		{entities.TypeSource, d.Sources},
		{entities.TypeDestination, d.Destinations},
		{entities.TypeImporter, d.Importers},
		{entities.TypeExporter, d.Exporters},
		{entities.TypeProcessor, d.Processors},
		{entities.TypeProcessingChain, d.ProcessingChains},
		{entities.TypeStep, d.Steps},
		{entities.TypeAssignment, d.Assignments},
		{entities.TypeFlow, d.Flows},
		{entities.TypeScheduledTask, d.ScheduledTasks},
		{entities.TypeScheduledFlow, d.ScheduledFlows},
	}
}

// Len returns the total number of items across all sections.
func (d *Document) Len() int {
	n := 0
	for _, sec := range d.sections() {
		n += len(sec.items)
	}
	return n
}

// Merge appends every section of other to d.
func (d *Document) Merge(other *Document) {
	if other == nil {
		return
	}
	d.Protocols = append(d.Protocols, other.Protocols...)
	d.Sources = append(d.Sources, other.Sources...)
	d.Destinations = append(d.Destinations, other.Destinations...)
	d.Importers = append(d.Importers, other.Importers...)
	d.Exporters = append(d.Exporters, other.Exporters...)
	d.Processors = append(d.Processors, other.Processors...)
	d.ProcessingChains = append(d.ProcessingChains, other.ProcessingChains...)
	d.Steps = append(d.Steps, other.Steps...)
	d.Assignments = append(d.Assignments, other.Assignments...)
	d.Flows = append(d.Flows, other.Flows...)
	d.ScheduledTasks = append(d.ScheduledTasks, other.ScheduledTasks...)
	d.ScheduledFlows = append(d.ScheduledFlows, other.ScheduledFlows...)
}

// Result summarizes one Apply run.
type Result struct {
	// Applied counts newly created entities.
	Applied int
	// Skipped counts items whose composite key already existed.
	Skipped int
	// Failed counts items that could not be decoded or created.
	Failed int
	// Errors carries one entry per failed item.
	Errors []ItemError
}

// ItemError reports why one seed item failed.
type ItemError struct {
	Type    entities.Type `json:"type"`
	Key     string        `json:"key,omitempty"`
	Message string        `json:"message"`
}

func (r *Result) fail(t entities.Type, key string, err error) {
	r.Failed++
	r.Errors = append(r.Errors, ItemError{Type: t, Key: key, Message: err.Error()})
}

// Seeder applies seed documents through the command bus as ActorName.
type Seeder struct {
	bus    *commands.Bus
	logger *slog.Logger
}

// NewSeeder creates a Seeder. Pass nil for the default logger.
func NewSeeder(bus *commands.Bus, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{bus: bus, logger: logger}
}

// Apply creates every item of doc that is not already present. Items whose
// composite key is held are counted as skipped; items that fail to decode or
// to create are counted as failed and reported in the result. Apply returns
// an error only when the bus itself refuses a command.
func (s *Seeder) Apply(ctx context.Context, doc *Document) (Result, error) {
	var res Result
	if doc == nil {
		return res, nil
	}

	seen := runIndex{}
	for _, sec := range doc.sections() {
		for i := range sec.items {
			entity, err := decodeItem(sec.entityType, &sec.items[i])
			if err != nil {
				res.fail(sec.entityType, "", fmt.Errorf("entry %d: %w", i, err))
				continue
			}
			key := entity.CompositeKey()

			payload, err := s.resolvedPayload(ctx, entity, seen)
			if err != nil {
				res.fail(sec.entityType, key, err)
				continue
			}

			reply, err := s.bus.Execute(ctx, commands.Command{
				Kind:       commands.KindCreate,
				EntityType: sec.entityType,
				Payload:    payload,
				Actor:      ActorName,
			})
			if err != nil {
				return res, fmt.Errorf("seed %s %q: %w", sec.entityType, key, err)
			}

			switch {
			case reply.Error == nil:
				res.Applied++
				if id := entityID(reply.Entity); id != "" {
					seen.put(sec.entityType, key, id)
				}
			case reply.Error.Kind == commands.ErrorDuplicateKey:
				res.Skipped++
				if id, ok := s.lookupID(ctx, sec.entityType, key); ok {
					seen.put(sec.entityType, key, id)
				}
			default:
				res.fail(sec.entityType, key, reply.Error)
			}
		}
	}

	s.logger.Info("seed document applied",
		"applied", res.Applied,
		"skipped", res.Skipped,
		"failed", res.Failed)
	return res, nil
}

// resolvedPayload encodes entity as a create payload with each reference
// field resolved from composite key to id. Values that match no known key
// pass through verbatim; they are either literal ids or left for the
// operator to fix.
func (s *Seeder) resolvedPayload(ctx context.Context, entity entities.Entity, seen runIndex) (json.RawMessage, error) {
	overrides := map[string]string{}
	for _, ref := range entity.References() {
		if ref.Value == "" {
			continue
		}
		if id, ok := seen.get(ref.Type, ref.Value); ok {
			overrides[ref.Field] = id
			continue
		}
		if id, ok := s.lookupID(ctx, ref.Type, ref.Value); ok {
			seen.put(ref.Type, ref.Value, id)
			overrides[ref.Field] = id
		}
	}

	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", entity.EntityType(), err)
	}
	if len(overrides) == 0 {
		return raw, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", entity.EntityType(), err)
	}
	for field, id := range overrides {
		fields[documentField(field)] = id
	}
	return json.Marshal(fields)
}

// lookupID resolves a composite key to the id of the live entity holding it.
func (s *Seeder) lookupID(ctx context.Context, t entities.Type, key string) (string, bool) {
	reply, err := s.bus.Execute(ctx, commands.Command{
		Kind:         commands.KindGetByKey,
		EntityType:   t,
		CompositeKey: key,
		Actor:        ActorName,
	})
	if err != nil || reply.Error != nil {
		return "", false
	}
	id := entityID(reply.Entity)
	return id, id != ""
}

func decodeItem(t entities.Type, node *yaml.Node) (entities.Entity, error) {
	entity, err := entities.New(t)
	if err != nil {
		return nil, err
	}
	if err := node.Decode(entity); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return entity, nil
}

func entityID(raw json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// documentField converts a reference index name like "protocol_id" into the
// document payload field name like "protocolId".
func documentField(field string) string {
	parts := strings.Split(field, "_")
	out := parts[0]
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		out += strings.ToUpper(p[:1]) + p[1:]
	}
	return out
}

// runIndex caches composite key to id resolutions during one Apply run.
type runIndex map[entities.Type]map[string]string

func (idx runIndex) put(t entities.Type, key, id string) {
	m, ok := idx[t]
	if !ok {
		m = make(map[string]string)
		idx[t] = m
	}
	m[key] = id
}

func (idx runIndex) get(t entities.Type, key string) (string, bool) {
	id, ok := idx[t][key]
	return id, ok
}
