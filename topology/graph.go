// Package topology maintains a read-only index of the workflow graph -
// which places exist and which transitions connect them - for
// introspection and admin tooling. It plays no part in the runtime
// routing decision (that is RuleEngine's job, resolved per token from a
// committed Bundle); topology only answers "what does this graph look
// like" queries for operators and the admin API.
package topology

import (
	"context"
	"fmt"
	"strings"

	"github.com/cayleygraph/cayley"
	"github.com/cayleygraph/cayley/graph"
	_ "github.com/cayleygraph/cayley/graph/kv/bolt"
	"github.com/cayleygraph/quad"
)

var (
	predType        = quad.IRI("tokenflow:type")
	predRoutesTo    = quad.IRI("tokenflow:routesTo")
	predOperation   = quad.IRI("tokenflow:operation")
	placeType       = quad.IRI("tokenflow:Place")
)

// Graph wraps a Cayley graph store holding the place/transition topology
// derived from committed rule bundles.
type Graph struct {
	store *cayley.Handle
}

// Open initializes or opens a bbolt-backed Cayley graph at dbPath.
func Open(dbPath string) (*Graph, error) {
	path := strings.TrimSuffix(dbPath, ".db") + "-topology.db"

	if err := graph.InitQuadStore("bolt", path, nil); err != nil && err != graph.ErrDatabaseExists {
		return nil, fmt.Errorf("topology: init graph store: %w", err)
	}
	store, err := cayley.NewGraph("bolt", path, nil)
	if err != nil {
		return nil, fmt.Errorf("topology: open graph store: %w", err)
	}
	return &Graph{store: store}, nil
}

// Close releases the underlying graph store.
func (g *Graph) Close() error {
	if g.store == nil {
		return nil
	}
	return g.store.Close()
}

func placeIRI(service, operation string) quad.IRI {
	return quad.IRI("place:" + service + "/" + operation)
}

// RegisterPlace records a (service, operation) pair as a place in the
// graph, idempotently.
func (g *Graph) RegisterPlace(service, operation string) error {
	p := placeIRI(service, operation)
	quads := []quad.Quad{
		quad.Make(p, predType, placeType, nil),
		quad.Make(p, predOperation, quad.String(operation), nil),
	}
	return g.store.AddQuadSet(quads)
}

// RegisterTransition records a T_out edge from (fromService,
// fromOperation) to (toService, toOperation), as resolved from a
// committed rule bundle's routing targets.
func (g *Graph) RegisterTransition(fromService, fromOperation, toService, toOperation string) error {
	from := placeIRI(fromService, fromOperation)
	to := placeIRI(toService, toOperation)
	if err := g.RegisterPlace(fromService, fromOperation); err != nil {
		return err
	}
	if err := g.RegisterPlace(toService, toOperation); err != nil {
		return err
	}
	return g.store.AddQuad(quad.Make(from, predRoutesTo, to, nil))
}

// Successors returns the (service, operation) pairs directly reachable
// from (service, operation) via a registered transition.
func (g *Graph) Successors(service, operation string) ([]Place, error) {
	ctx := context.Background()
	from := placeIRI(service, operation)

	p := cayley.StartPath(g.store, from).Out(predRoutesTo)

	var out []Place
	err := p.Iterate(ctx).EachValue(nil, func(value quad.Value) {
		iri, ok := value.(quad.IRI)
		if !ok {
			return
		}
		svc, op, parseErr := parsePlaceIRI(iri)
		if parseErr == nil {
			out = append(out, Place{Service: svc, Operation: op})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("topology: successors query: %w", err)
	}
	return out, nil
}

// Place identifies one node in the workflow graph.
type Place struct {
	Service   string
	Operation string
}

// AllPlaces returns every place registered in the graph.
func (g *Graph) AllPlaces() ([]Place, error) {
	ctx := context.Background()
	p := cayley.StartPath(g.store).Has(predType, placeType)

	var out []Place
	seen := make(map[string]bool)
	err := p.Iterate(ctx).EachValue(nil, func(value quad.Value) {
		iri, ok := value.(quad.IRI)
		if !ok {
			return
		}
		if seen[string(iri)] {
			return
		}
		seen[string(iri)] = true
		svc, op, parseErr := parsePlaceIRI(iri)
		if parseErr == nil {
			out = append(out, Place{Service: svc, Operation: op})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("topology: list places query: %w", err)
	}
	return out, nil
}

func parsePlaceIRI(iri quad.IRI) (service, operation string, err error) {
	s := strings.TrimPrefix(string(iri), "place:")
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("topology: malformed place iri %q", iri)
	}
	return parts[0], parts[1], nil
}
