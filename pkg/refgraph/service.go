package refgraph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dataflow-works/config-registry/pkg/entities"
	"github.com/dataflow-works/config-registry/pkg/store"
)

// ErrReferenced marks mutations rejected because live dependents still point
// at the entity.
var ErrReferenced = errors.New("entity is referenced")

// TypeCount is one dependent type's live record count.
type TypeCount struct {
	Type  entities.Type `json:"type"`
	Count int64         `json:"count"`
}

// ReferenceInfo summarizes the live dependents of one entity at evaluation
// time. Breakdown keeps graph registration order and omits zero counts.
type ReferenceInfo struct {
	Referenced entities.Type `json:"referencedType"`
	ID         string        `json:"referencedId"`
	Breakdown  []TypeCount   `json:"breakdown,omitempty"`
}

// Counts returns the breakdown as a map from dependent type to count.
func (i ReferenceInfo) Counts() map[entities.Type]int64 {
	counts := make(map[entities.Type]int64, len(i.Breakdown))
	for _, tc := range i.Breakdown {
		counts[tc.Type] = tc.Count
	}
	return counts
}

// Total returns the number of dependent records across all types.
func (i ReferenceInfo) Total() int64 {
	var total int64
	for _, tc := range i.Breakdown {
		total += tc.Count
	}
	return total
}

// Describe renders one human-readable string per dependent type, e.g.
// "Source (2 records)", in breakdown order.
func (i ReferenceInfo) Describe() []string {
	out := make([]string, 0, len(i.Breakdown))
	for _, tc := range i.Breakdown {
		out = append(out, fmt.Sprintf("%s (%d records)", tc.Type.DisplayName(), tc.Count))
	}
	return out
}

// ValidationResult reports whether a delete or identity change may proceed.
// Invalid results carry the full reference inventory so callers can surface
// what blocks the mutation.
type ValidationResult struct {
	Valid      bool          `json:"valid"`
	Message    string        `json:"message,omitempty"`
	References ReferenceInfo `json:"references"`
}

// Err returns nil for valid results and an ErrReferenced error otherwise.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrReferenced, r.Message)
}

// Service evaluates referential integrity against live store counts. It
// holds no state between calls: every validation is a fresh evaluation, so
// results reflect the store at call time and nothing has to be kept in sync
// with writes.
type Service struct {
	store store.Store
	graph *Graph
}

// NewService creates a Service over the document store and the reference
// registry.
func NewService(s store.Store, g *Graph) *Service {
	return &Service{store: s, graph: g}
}

// Graph returns the registry the service validates against.
func (s *Service) Graph() *Graph { return s.graph }

// ReferenceInventory counts the live dependents of the entity across every
// registered edge. Types without registered edges report an empty inventory.
func (s *Service) ReferenceInventory(ctx context.Context, referenced entities.Type, id string) (ReferenceInfo, error) {
	info := ReferenceInfo{Referenced: referenced, ID: id}
	counts := make(map[entities.Type]int64)
	var order []entities.Type
	for _, edge := range s.graph.EdgesFor(referenced) {
		n, err := s.store.CountByField(ctx, string(edge.Dependent), edge.Field, id)
		if err != nil {
			return ReferenceInfo{}, fmt.Errorf("count %s.%s references: %w", edge.Dependent, edge.Field, err)
		}
		if n == 0 {
			continue
		}
		if _, ok := counts[edge.Dependent]; !ok {
			order = append(order, edge.Dependent)
		}
		counts[edge.Dependent] += n
	}
	for _, t := range order {
		info.Breakdown = append(info.Breakdown, TypeCount{Type: t, Count: counts[t]})
	}
	return info, nil
}

// ValidateDeletion checks whether the entity can be deleted. Deletion is
// blocked while any dependent record references the id.
func (s *Service) ValidateDeletion(ctx context.Context, referenced entities.Type, id string) (ValidationResult, error) {
	info, err := s.ReferenceInventory(ctx, referenced, id)
	if err != nil {
		return ValidationResult{}, err
	}
	if info.Total() == 0 {
		return ValidationResult{Valid: true, References: info}, nil
	}
	return ValidationResult{
		Valid: false,
		Message: fmt.Sprintf("%s %s cannot be deleted: referenced by %s",
			referenced.DisplayName(), id, strings.Join(info.Describe(), ", ")),
		References: info,
	}, nil
}

// ValidateIdentityChange checks whether the entity's composite key may move
// from currentKey to newKey. Dependents bind to the entity's id, so the
// inventory is counted by id; the keys only decide whether the identity
// actually changes. A no-op change is always valid.
func (s *Service) ValidateIdentityChange(ctx context.Context, referenced entities.Type, id, currentKey, newKey string) (ValidationResult, error) {
	if currentKey == newKey {
		return ValidationResult{
			Valid:      true,
			References: ReferenceInfo{Referenced: referenced, ID: id},
		}, nil
	}
	info, err := s.ReferenceInventory(ctx, referenced, id)
	if err != nil {
		return ValidationResult{}, err
	}
	if info.Total() == 0 {
		return ValidationResult{Valid: true, References: info}, nil
	}
	return ValidationResult{
		Valid: false,
		Message: fmt.Sprintf("%s %s cannot change identity from %s to %s: referenced by %s",
			referenced.DisplayName(), id, currentKey, newKey, strings.Join(info.Describe(), ", ")),
		References: info,
	}, nil
}
