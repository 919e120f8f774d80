// Package capindex implements the coordinator's optional capability-
// similarity accelerator: agent capability sets are indexed as
// multi-hot vectors in Qdrant so a superset query can retrieve
// candidate agents in sub-linear time. It is purely additive — every
// method degrades to "no candidates found here" on any error, and
// callers (the coordinator facade) always fall back to the registry's
// own full scan, so correctness never depends on Qdrant being
// reachable or even configured.
package capindex

import (
	"context"
	"hash/fnv"
	"sort"

	pb "github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stricklysoft/agentcoord/internal/ids"
	qc "github.com/stricklysoft/agentcoord/pkg/clients/qdrant"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/stricklysoft/agentcoord/internal/capindex"

// payloadAgentIDKey is the point payload field the agent's real ID is
// stored under, since point IDs themselves are derived numeric hashes.
const payloadAgentIDKey = "agent_id"

// Config holds the capability index's tunables.
type Config struct {
	// CollectionName is the Qdrant collection capability vectors are
	// stored in.
	CollectionName string

	// VectorDimension bounds the multi-hot encoding space. Capability
	// names hash into this many buckets; collisions degrade precision
	// (a false superset candidate) but never correctness, since the
	// coordinator always re-checks CapabilitySet.Contains on the
	// returned candidates before assigning.
	VectorDimension uint64
}

// DefaultConfig returns the capability index defaults.
func DefaultConfig() Config {
	return Config{
		CollectionName:  "agent-capabilities",
		VectorDimension: 256,
	}
}

// Index wraps a Qdrant client to index and query agent capability sets.
// It is safe for concurrent use.
type Index struct {
	client *qc.Client
	cfg    Config
	tracer trace.Tracer
}

// NewIndex constructs an Index around an already-connected Qdrant
// client.
func NewIndex(client *qc.Client, cfg Config) *Index {
	if cfg.CollectionName == "" || cfg.VectorDimension == 0 {
		cfg = DefaultConfig()
	}
	return &Index{
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
	}
}

// EnsureCollection creates the capability collection if it does not
// already exist. Safe to call repeatedly; existing collections are left
// untouched.
func (idx *Index) EnsureCollection(ctx context.Context) error {
	ctx, span := idx.tracer.Start(ctx, "capindex.EnsureCollection")
	defer span.End()

	names, err := idx.client.ListCollections(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	for _, n := range names {
		if n == idx.cfg.CollectionName {
			return nil
		}
	}

	err = idx.client.CreateCollection(ctx, &pb.CreateCollection{
		CollectionName: idx.cfg.CollectionName,
		VectorsConfig: pb.NewVectorsConfig(&pb.VectorParams{
			Size:     idx.cfg.VectorDimension,
			Distance: pb.Distance_Cosine,
		}),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// vectorFor encodes a capability set as a multi-hot vector: each
// capability hashes (FNV-1a) into one of VectorDimension buckets, which
// is set to 1.
func (idx *Index) vectorFor(caps ids.CapabilitySet) []float32 {
	vec := make([]float32, idx.cfg.VectorDimension)
	for _, c := range caps.Slice() {
		vec[bucketFor(c, idx.cfg.VectorDimension)] = 1
	}
	return vec
}

func bucketFor(s string, dimension uint64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64() % dimension
}

// pointIDFor derives a stable numeric point ID for an agent, since
// Qdrant point IDs in this index are always numeric (see pb.NewIDNum
// usage throughout the wrapped client). The agent's real ID is
// recovered from the point's payload, not its point ID.
func pointIDFor(id ids.AgentID) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

// Index upserts (or replaces) the vector for agentID's current
// capability set.
func (idx *Index) Index(ctx context.Context, agentID ids.AgentID, caps ids.CapabilitySet) error {
	ctx, span := idx.tracer.Start(ctx, "capindex.Index",
		trace.WithAttributes(attribute.String("agent.id", string(agentID))))
	defer span.End()

	if err := idx.EnsureCollection(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	_, err := idx.client.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: idx.cfg.CollectionName,
		Points: []*pb.PointStruct{
			{
				Id:      pb.NewIDNum(pointIDFor(agentID)),
				Vectors: pb.NewVectors(idx.vectorFor(caps)...),
				Payload: pb.NewValueMap(map[string]any{payloadAgentIDKey: string(agentID)}),
			},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Remove deletes agentID's vector from the index, if present.
func (idx *Index) Remove(ctx context.Context, agentID ids.AgentID) error {
	ctx, span := idx.tracer.Start(ctx, "capindex.Remove",
		trace.WithAttributes(attribute.String("agent.id", string(agentID))))
	defer span.End()

	_, err := idx.client.Delete(ctx, &pb.DeletePoints{
		CollectionName: idx.cfg.CollectionName,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{pb.NewIDNum(pointIDFor(agentID))},
				},
			},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Candidates queries the index for agents whose indexed capability
// vector most closely matches required, returning up to limit agent
// IDs ordered by descending similarity. The caller must still verify
// CapabilitySet.Contains(required) against the live registry record —
// hash collisions in the multi-hot encoding can surface a false
// positive, never a false negative for the exact-match case the
// coordinator cares about.
func (idx *Index) Candidates(ctx context.Context, required ids.CapabilitySet, limit int) ([]ids.AgentID, error) {
	ctx, span := idx.tracer.Start(ctx, "capindex.Candidates")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}
	lim := uint64(limit)
	withPayload := true

	results, err := idx.client.Search(ctx, &pb.QueryPoints{
		CollectionName: idx.cfg.CollectionName,
		Query:          pb.NewQuery(idx.vectorFor(required)...),
		Limit:          &lim,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: withPayload}},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	out := make([]ids.AgentID, 0, len(results))
	for _, r := range results {
		v, ok := r.Payload[payloadAgentIDKey]
		if !ok {
			continue
		}
		out = append(out, ids.AgentID(v.GetStringValue()))
	}
	return out, nil
}
