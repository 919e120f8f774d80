package depgraph

import (
	"context"
	"encoding/json"

	"github.com/stricklysoft/agentcoord/pkg/clients/neo4j"
	sserr "github.com/stricklysoft/agentcoord/pkg/errors"
)

// Store persists the dependency graph to Neo4j as a labelled property
// graph: one `:Dependency` node per graph node, one `:DEPENDS`
// relationship per edge carrying its Relation as a property. It is an optional collaborator — the Graph
// itself is fully functional in memory; Store exists for graphs too
// large to rebuild from scratch on every coordinator restart.
type Store struct {
	client *neo4j.Client
}

// NewStore wraps an already-constructed Neo4j client.
func NewStore(client *neo4j.Client) *Store {
	return &Store{client: client}
}

const upsertNodeCypher = `
MERGE (n:Dependency {id: $id})
SET n.kind = $kind,
    n.target = $target,
    n.supported_ops = $supported_ops,
    n.impact_weights = $impact_weights,
    n.metadata = $metadata,
    n.health = $health
`

// SaveNode upserts a single node into the backing store.
func (s *Store) SaveNode(ctx context.Context, n Node) error {
	weights, err := json.Marshal(n.Config.ImpactWeights)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeValidation, "depgraph: marshal impact weights")
	}
	metadata, err := json.Marshal(n.Config.Metadata)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeValidation, "depgraph: marshal node metadata")
	}

	_, err = s.client.ExecuteWrite(ctx, upsertNodeCypher, map[string]any{
		"id":             string(n.Config.ID),
		"kind":           n.Config.Kind,
		"target":         n.Config.Target,
		"supported_ops":  n.Config.SupportedOps,
		"impact_weights": string(weights),
		"metadata":       string(metadata),
		"health":         n.Health,
	})
	if err != nil {
		return err
	}
	return nil
}

const deleteNodeCypher = `
MATCH (n:Dependency {id: $id})
DETACH DELETE n
`

// DeleteNode removes a node and its relationships from the backing
// store, mirroring Graph.RemoveNode's cascade.
func (s *Store) DeleteNode(ctx context.Context, id NodeID) error {
	_, err := s.client.ExecuteWrite(ctx, deleteNodeCypher, map[string]any{"id": string(id)})
	return err
}

const upsertEdgeCypher = `
MATCH (src:Dependency {id: $src}), (tgt:Dependency {id: $tgt})
MERGE (src)-[r:DEPENDS {relation: $relation}]->(tgt)
SET r.strength = $strength,
    r.operations = $operations
`

// SaveEdge upserts a single edge into the backing store, on the same
// (source, target, relation) upsert key the in-memory graph uses.
func (s *Store) SaveEdge(ctx context.Context, e Edge) error {
	_, err := s.client.ExecuteWrite(ctx, upsertEdgeCypher, map[string]any{
		"src":        string(e.Source),
		"tgt":        string(e.Target),
		"relation":   string(e.Relation),
		"strength":   e.Strength,
		"operations": e.Operations,
	})
	return err
}

const deleteEdgeCypher = `
MATCH (src:Dependency {id: $src})-[r:DEPENDS {relation: $relation}]->(tgt:Dependency {id: $tgt})
DELETE r
`

// DeleteEdge removes a single edge from the backing store.
func (s *Store) DeleteEdge(ctx context.Context, src, tgt NodeID, rel Relation) error {
	_, err := s.client.ExecuteWrite(ctx, deleteEdgeCypher, map[string]any{
		"src": string(src), "tgt": string(tgt), "relation": string(rel),
	})
	return err
}

const neighboursCypher = `
MATCH (n:Dependency {id: $id})-[r:DEPENDS]->(m:Dependency)
RETURN m.id AS id, r.relation AS relation, r.strength AS strength
`

// Neighbours queries the backing store directly for a node's outgoing
// neighbours, bypassing the in-memory graph — used to satisfy
// neighbours() for node sets too large to hold resident in memory, per
// the domain-stack rationale for wiring Neo4j into this component.
func (s *Store) Neighbours(ctx context.Context, id NodeID) ([]Edge, error) {
	records, err := s.client.ExecuteRead(ctx, neighboursCypher, map[string]any{"id": string(id)})
	if err != nil {
		return nil, err
	}

	out := make([]Edge, 0, len(records))
	for _, rec := range records {
		targetID, _ := rec.Get("id")
		relation, _ := rec.Get("relation")
		strength, _ := rec.Get("strength")

		tgtStr, _ := targetID.(string)
		relStr, _ := relation.(string)
		strengthVal, _ := strength.(float64)

		out = append(out, Edge{
			Source:   id,
			Target:   NodeID(tgtStr),
			Relation: Relation(relStr),
			Strength: strengthVal,
		})
	}
	return out, nil
}
