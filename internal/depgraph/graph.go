package depgraph

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/stricklysoft/agentcoord/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/stricklysoft/agentcoord/internal/depgraph"

// Direction selects which end of an edge neighbours() traverses.
type Direction int

const (
	// Outgoing returns nodes this node depends on (edges where this
	// node is the source).
	Outgoing Direction = iota
	// Incoming returns nodes that depend on this node (edges where
	// this node is the target).
	Incoming
)

// Graph is the in-memory typed directed dependency graph. Safe for
// concurrent use.
type Graph struct {
	mu     sync.RWMutex
	nodes  map[NodeID]*Node
	edges  map[edgeKey]*Edge
	out    map[NodeID]map[edgeKey]struct{}
	in     map[NodeID]map[edgeKey]struct{}
	clock  func() time.Time
	tracer trace.Tracer
}

// New constructs an empty Graph.
func New() *Graph {
	return &Graph{
		nodes:  make(map[NodeID]*Node),
		edges:  make(map[edgeKey]*Edge),
		out:    make(map[NodeID]map[edgeKey]struct{}),
		in:     make(map[NodeID]map[edgeKey]struct{}),
		clock:  time.Now,
		tracer: otel.Tracer(tracerName),
	}
}

// AddNode inserts a new node. Fails with a conflict error if the ID
// already exists.
func (g *Graph) AddNode(ctx context.Context, cfg NodeConfig) error {
	_, span := g.tracer.Start(ctx, "depgraph.AddNode",
		trace.WithAttributes(attribute.String("node.id", string(cfg.ID))))
	defer span.End()

	if err := cfg.validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if cfg.ImpactWeights.Sum() == 0 {
		cfg.ImpactWeights = DefaultImpactWeights()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[cfg.ID]; exists {
		err := sserr.Conflict("depgraph: node " + string(cfg.ID) + " already exists")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	now := g.clock()
	g.nodes[cfg.ID] = &Node{Config: cfg, Health: "unknown", CreatedAt: now, UpdatedAt: now}
	g.out[cfg.ID] = make(map[edgeKey]struct{})
	g.in[cfg.ID] = make(map[edgeKey]struct{})
	return nil
}

// RemoveNode deletes a node and cascades removal of every edge touching
// it, in either direction.
func (g *Graph) RemoveNode(ctx context.Context, id NodeID) error {
	_, span := g.tracer.Start(ctx, "depgraph.RemoveNode",
		trace.WithAttributes(attribute.String("node.id", string(id))))
	defer span.End()

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; !exists {
		err := sserr.NotFoundf("depgraph: node %q not found", id)
		span.RecordError(err)
		return err
	}

	for key := range g.out[id] {
		g.unlinkLocked(key)
	}
	for key := range g.in[id] {
		g.unlinkLocked(key)
	}
	delete(g.out, id)
	delete(g.in, id)
	delete(g.nodes, id)
	return nil
}

// unlinkLocked removes an edge from all indexes. Caller must hold g.mu.
func (g *Graph) unlinkLocked(key edgeKey) {
	delete(g.edges, key)
	if m, ok := g.out[key.src]; ok {
		delete(m, key)
	}
	if m, ok := g.in[key.tgt]; ok {
		delete(m, key)
	}
}

// AddEdge inserts or upserts a directed edge on the (source, target,
// relation) triple. Self-loops are rejected for the depends_on relation
// (a dependency on oneself is meaningless); other relation types may
// self-reference (e.g. a node republishing its own events).
func (g *Graph) AddEdge(ctx context.Context, src, tgt NodeID, rel Relation, strength float64, ops []string) error {
	_, span := g.tracer.Start(ctx, "depgraph.AddEdge",
		trace.WithAttributes(
			attribute.String("edge.source", string(src)),
			attribute.String("edge.target", string(tgt)),
			attribute.String("edge.relation", string(rel)),
		))
	defer span.End()

	if src == tgt && rel == RelationDependsOn {
		err := sserr.Validation("depgraph: depends_on edge must not be a self-loop")
		span.RecordError(err)
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[src]; !exists {
		err := sserr.NotFoundf("depgraph: source node %q not found", src)
		span.RecordError(err)
		return err
	}
	if _, exists := g.nodes[tgt]; !exists {
		err := sserr.NotFoundf("depgraph: target node %q not found", tgt)
		span.RecordError(err)
		return err
	}

	key := edgeKey{src: src, tgt: tgt, rel: rel}
	edge := &Edge{
		Source:     src,
		Target:     tgt,
		Relation:   rel,
		Strength:   clampStrength(strength),
		Operations: append([]string(nil), ops...),
		CreatedAt:  g.clock(),
	}

	if _, exists := g.edges[key]; !exists {
		if g.out[src] == nil {
			g.out[src] = make(map[edgeKey]struct{})
		}
		if g.in[tgt] == nil {
			g.in[tgt] = make(map[edgeKey]struct{})
		}
		g.out[src][key] = struct{}{}
		g.in[tgt][key] = struct{}{}
	}
	g.edges[key] = edge
	return nil
}

// RemoveEdge deletes the edge on the (source, target, relation) triple.
func (g *Graph) RemoveEdge(ctx context.Context, src, tgt NodeID, rel Relation) error {
	_, span := g.tracer.Start(ctx, "depgraph.RemoveEdge")
	defer span.End()

	key := edgeKey{src: src, tgt: tgt, rel: rel}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.edges[key]; !exists {
		err := sserr.NotFoundf("depgraph: edge %s->%s (%s) not found", src, tgt, rel)
		span.RecordError(err)
		return err
	}
	g.unlinkLocked(key)
	return nil
}

// GetNode returns a snapshot copy of a node.
func (g *Graph) GetNode(id NodeID) (Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, exists := g.nodes[id]
	if !exists {
		return Node{}, sserr.NotFoundf("depgraph: node %q not found", id)
	}
	return n.Clone(), nil
}

// UpdateHealth sets a node's last-known health status, reported by the
// health monitor.
func (g *Graph) UpdateHealth(ctx context.Context, id NodeID, health string) error {
	_, span := g.tracer.Start(ctx, "depgraph.UpdateHealth")
	defer span.End()

	g.mu.Lock()
	defer g.mu.Unlock()
	n, exists := g.nodes[id]
	if !exists {
		err := sserr.NotFoundf("depgraph: node %q not found", id)
		span.RecordError(err)
		return err
	}
	n.Health = health
	n.UpdatedAt = g.clock()
	return nil
}

// Neighbours returns copies of the edges linking id to its neighbours in
// the given direction.
func (g *Graph) Neighbours(id NodeID, dir Direction) ([]Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, exists := g.nodes[id]; !exists {
		return nil, sserr.NotFoundf("depgraph: node %q not found", id)
	}

	var index map[NodeID]map[edgeKey]struct{}
	if dir == Outgoing {
		index = g.out
	} else {
		index = g.in
	}

	var out []Edge
	for key := range index[id] {
		out = append(out, g.edges[key].Clone())
	}
	return out, nil
}

// NodeCount returns the number of nodes currently in the graph.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of edges currently in the graph.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Nodes returns a snapshot of every node in the graph.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.Clone())
	}
	return out
}

// Edges returns a snapshot of every edge in the graph.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e.Clone())
	}
	return out
}
