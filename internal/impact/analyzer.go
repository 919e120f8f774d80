// Package impact implements the impact analyzer: depth-capped BFS
// propagation of a focal node's declared impact weights across the
// dependency graph, with cycle-safe accumulation and risk classification.
package impact

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stricklysoft/agentcoord/internal/depgraph"
	"github.com/stricklysoft/agentcoord/internal/ids"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/stricklysoft/agentcoord/internal/impact"

// DefaultMaxDepth is the traversal depth cap applied unless a caller
// overrides it.
const DefaultMaxDepth = 8

// NodeImpact is one node's accumulated impact score in an analysis
// result.
type NodeImpact struct {
	Node  depgraph.NodeID
	Score ids.Score
}

// Result is the outcome of an impact analysis from one or more focal
// nodes.
type Result struct {
	// Focal lists the nodes the analysis started from.
	Focal []depgraph.NodeID
	// Impacts holds every visited node's accumulated impact, sorted
	// descending by score. Focal nodes themselves are not included.
	Impacts []NodeImpact
	// Truncated is true if traversal hit MaxDepth before exhausting all
	// reachable nodes.
	Truncated bool
}

// Analyzer runs impact analyses over a dependency graph.
type Analyzer struct {
	graph    *depgraph.Graph
	maxDepth int
	tracer   trace.Tracer
}

// New constructs an Analyzer bound to a graph, with the given traversal
// depth cap (DefaultMaxDepth if depth <= 0).
func New(graph *depgraph.Graph, maxDepth int) *Analyzer {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Analyzer{graph: graph, maxDepth: maxDepth, tracer: otel.Tracer(tracerName)}
}

// baseImpact derives a focal node's base impact score from its declared
// impact weights: business/revenue/UX/ops-cost/security/compliance,
// summed as-is (the config's weights are trusted to already sum to the
// intended total; a malformed config is not silently renormalized).
func baseImpact(n depgraph.Node) float64 {
	w := n.Config.ImpactWeights
	return w.Business + w.Revenue + w.UX + w.OpsCost + w.Security + w.Compliance
}

// frame is one pending BFS expansion: a node reached with a given
// path-strength product, at a given depth, seeded from a given focal's
// base impact.
type frame struct {
	node     depgraph.NodeID
	depth    int
	pathProd float64
	base     float64
}

// AnalyzeDownstream computes downstream impact from a single focal node:
// a BFS in edge direction accumulating impact(N) = Π(strength along
// path) · base_impact(F), capped at maxDepth, with a visited-with-
// accumulator cycle guard (a re-entered node keeps the max of its prior
// and newly-computed impact and is not re-expanded).
func (a *Analyzer) AnalyzeDownstream(ctx context.Context, focal depgraph.NodeID) (Result, error) {
	return a.analyze(ctx, []depgraph.NodeID{focal}, depgraph.Outgoing)
}

// AnalyzeUpstream computes upstream impact: the same algorithm, but
// traversing incoming edges (who depends on the focal node) instead of
// outgoing ones.
func (a *Analyzer) AnalyzeUpstream(ctx context.Context, focal depgraph.NodeID) (Result, error) {
	return a.analyze(ctx, []depgraph.NodeID{focal}, depgraph.Incoming)
}

// ChangeImpact treats a change description's affected node list as a
// combined focal set (per §4.4, "treats the union as the focal set") and
// returns per-node downstream impact, sorted descending, to surface as
// the at-risk dependents list.
func (a *Analyzer) ChangeImpact(ctx context.Context, affected []depgraph.NodeID) (Result, error) {
	return a.analyze(ctx, affected, depgraph.Outgoing)
}

func (a *Analyzer) analyze(ctx context.Context, focal []depgraph.NodeID, dir depgraph.Direction) (Result, error) {
	_, span := a.tracer.Start(ctx, "impact.analyze",
		trace.WithAttributes(attribute.Int("focal.count", len(focal))))
	defer span.End()

	focalSet := make(map[depgraph.NodeID]struct{}, len(focal))
	var queue []frame
	for _, f := range focal {
		node, err := a.graph.GetNode(f)
		if err != nil {
			span.RecordError(err)
			return Result{}, err
		}
		focalSet[f] = struct{}{}
		base := baseImpact(node)
		queue = append(queue, frame{node: f, depth: 0, pathProd: 1.0, base: base})
	}

	best := make(map[depgraph.NodeID]float64)
	truncated := false

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if _, isFocal := focalSet[cur.node]; !isFocal {
			score := cur.pathProd * cur.base
			if prior, seen := best[cur.node]; seen {
				// Re-entered node: keep the max of prior and new impact
				// and do not recurse further down this path.
				if score > prior {
					best[cur.node] = score
				}
				continue
			}
			best[cur.node] = score
		}

		if cur.depth >= a.maxDepth {
			if cur.depth == a.maxDepth {
				// Only mark truncation if there was anywhere further to go.
				if edges, err := a.graph.Neighbours(cur.node, dir); err == nil && len(edges) > 0 {
					truncated = true
				}
			}
			continue
		}

		edges, err := a.graph.Neighbours(cur.node, dir)
		if err != nil {
			continue
		}
		for _, e := range edges {
			next := e.Target
			if dir == depgraph.Incoming {
				next = e.Source
			}
			queue = append(queue, frame{
				node:     next,
				depth:    cur.depth + 1,
				pathProd: cur.pathProd * e.Strength,
				base:     cur.base,
			})
		}
	}

	impacts := make([]NodeImpact, 0, len(best))
	for node, score := range best {
		impacts = append(impacts, NodeImpact{Node: node, Score: ids.ClampScore(score)})
	}
	sort.SliceStable(impacts, func(i, j int) bool {
		if impacts[i].Score != impacts[j].Score {
			return impacts[i].Score.Float64() > impacts[j].Score.Float64()
		}
		return impacts[i].Node < impacts[j].Node
	})

	return Result{Focal: focal, Impacts: impacts, Truncated: truncated}, nil
}

// ClassifyRisk maps a result's per-node scores to risk levels.
func ClassifyRisk(impacts []NodeImpact) map[depgraph.NodeID]ids.RiskLevel {
	out := make(map[depgraph.NodeID]ids.RiskLevel, len(impacts))
	for _, i := range impacts {
		out[i.Node] = ids.RiskFromScore(i.Score.Float64())
	}
	return out
}
