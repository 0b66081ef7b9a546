// Package refgraph holds the declarative registry of reference relationships
// between entity types and the referential integrity checks that run on it.
// Protecting a new entity type, or adding a dependent edge, is a change to
// the registration table only.
package refgraph

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/dataflow-works/config-registry/pkg/entities"
)

// Edge declares that documents of type Dependent hold references to
// Referenced entities in the named payload field.
type Edge struct {
	Referenced entities.Type
	Dependent  entities.Type
	Field      string
}

// Graph is the static reference registry. Registration order is significant:
// it fixes the order of reference breakdowns and describe strings.
type Graph struct {
	edges        []Edge
	byReferenced map[entities.Type][]Edge
	referenced   []entities.Type
}

// NewGraph builds a Graph from edges, rejecting unknown types, empty fields
// and duplicate registrations.
func NewGraph(edges ...Edge) (*Graph, error) {
	g := &Graph{
		byReferenced: make(map[entities.Type][]Edge),
	}
	seen := mapset.NewSet[string]()
	for _, edge := range edges {
		if !edge.Referenced.Valid() {
			return nil, fmt.Errorf("reference graph: unknown referenced type %q", edge.Referenced)
		}
		if !edge.Dependent.Valid() {
			return nil, fmt.Errorf("reference graph: unknown dependent type %q", edge.Dependent)
		}
		if edge.Field == "" {
			return nil, fmt.Errorf("reference graph: edge %s<-%s has no field", edge.Referenced, edge.Dependent)
		}
		key := fmt.Sprintf("%s|%s|%s", edge.Referenced, edge.Dependent, edge.Field)
		if !seen.Add(key) {
			return nil, fmt.Errorf("reference graph: duplicate edge %s<-%s.%s", edge.Referenced, edge.Dependent, edge.Field)
		}
		if _, ok := g.byReferenced[edge.Referenced]; !ok {
			g.referenced = append(g.referenced, edge.Referenced)
		}
		g.edges = append(g.edges, edge)
		g.byReferenced[edge.Referenced] = append(g.byReferenced[edge.Referenced], edge)
	}
	return g, nil
}

// DefaultGraph returns the reference registry for the built-in entity model.
func DefaultGraph() *Graph {
	g, err := NewGraph(
		Edge{Referenced: entities.TypeProtocol, Dependent: entities.TypeSource, Field: entities.FieldProtocolID},
		Edge{Referenced: entities.TypeProtocol, Dependent: entities.TypeDestination, Field: entities.FieldProtocolID},
		Edge{Referenced: entities.TypeProtocol, Dependent: entities.TypeImporter, Field: entities.FieldProtocolID},
		Edge{Referenced: entities.TypeProtocol, Dependent: entities.TypeExporter, Field: entities.FieldProtocolID},
		Edge{Referenced: entities.TypeProtocol, Dependent: entities.TypeProcessor, Field: entities.FieldProtocolID},
		Edge{Referenced: entities.TypeSource, Dependent: entities.TypeImporter, Field: entities.FieldSourceID},
		Edge{Referenced: entities.TypeDestination, Dependent: entities.TypeExporter, Field: entities.FieldDestinationID},
		Edge{Referenced: entities.TypeProcessor, Dependent: entities.TypeStep, Field: entities.FieldProcessorID},
		Edge{Referenced: entities.TypeProcessingChain, Dependent: entities.TypeAssignment, Field: entities.FieldChainID},
		Edge{Referenced: entities.TypeProcessingChain, Dependent: entities.TypeFlow, Field: entities.FieldChainID},
		Edge{Referenced: entities.TypeStep, Dependent: entities.TypeAssignment, Field: entities.FieldStepID},
		Edge{Referenced: entities.TypeImporter, Dependent: entities.TypeFlow, Field: entities.FieldImporterID},
		Edge{Referenced: entities.TypeExporter, Dependent: entities.TypeFlow, Field: entities.FieldExporterID},
		Edge{Referenced: entities.TypeFlow, Dependent: entities.TypeScheduledFlow, Field: entities.FieldFlowID},
	)
	if err != nil {
		panic(err)
	}
	return g
}

// EdgesFor returns the registered dependent edges of a referenced type in
// registration order.
func (g *Graph) EdgesFor(referenced entities.Type) []Edge {
	return g.byReferenced[referenced]
}

// Referenced returns the distinct protected types in registration order.
func (g *Graph) Referenced() []entities.Type {
	return g.referenced
}

// IsReferenced reports whether t has registered dependents and therefore
// needs validation before deletes and identity changes.
func (g *Graph) IsReferenced(t entities.Type) bool {
	_, ok := g.byReferenced[t]
	return ok
}
