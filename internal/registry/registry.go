// Package registry implements the agent registry and lifecycle component:
// the authoritative, concurrently-accessed map from agent ID to agent
// record, its status state machine, and staleness-driven health demotion
// and eviction.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stricklysoft/agentcoord/internal/ids"
	sserr "github.com/stricklysoft/agentcoord/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/stricklysoft/agentcoord/internal/registry"

// Config holds the registry-wide tunables.
type Config struct {
	// MaxAgents bounds the registry's total membership.
	MaxAgents int

	// HealthCheckInterval is the period of the staleness scan loop.
	HealthCheckInterval time.Duration

	// StaleThreshold is how long an agent may go without a heartbeat
	// before its health is demoted to Down.
	StaleThreshold time.Duration

	// EvictionThreshold is how long an agent may remain Down before it
	// is automatically unregistered.
	EvictionThreshold time.Duration
}

// DefaultConfig returns the registry defaults named in the component
// design: 1000 max agents, 30s health-check interval, 60s stale
// threshold, 300s eviction threshold.
func DefaultConfig() Config {
	return Config{
		MaxAgents:           1000,
		HealthCheckInterval: 30 * time.Second,
		StaleThreshold:      60 * time.Second,
		EvictionThreshold:   300 * time.Second,
	}
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithPublisher sets the event publisher the registry notifies on
// registration, unregistration, and status changes.
func WithPublisher(p EventPublisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithLogger sets the structured logger used for staleness-scan
// diagnostics. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock overrides the time source, for deterministic staleness
// tests. Defaults to time.Now.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// Registry is the concurrent, coordinator-owned map of agent records. It
// is safe for concurrent use by multiple goroutines.
type Registry struct {
	cfg    Config
	shards []*shard
	count  atomic.Int64

	// structMu serializes structural mutations (register/unregister)
	// that need a consistent view of total membership across shards.
	// Get/UpdateState/Touch/ListAvailable never take this lock — they
	// only touch their own shard, so readers and per-ID writers never
	// contend with each other across different agents.
	structMu sync.Mutex

	publisher EventPublisher
	logger    *slog.Logger
	tracer    trace.Tracer
	clock     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Registry with the given configuration and options.
func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg,
		shards:    newShards(),
		publisher: noopPublisher{},
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		clock:     time.Now,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts a new agent record. Fails with a conflict error if
// the ID is already present, or a capacity error if the registry is
// full. Validates the record's invariants before insertion.
func (r *Registry) Register(ctx context.Context, rec Record) error {
	ctx, span := r.tracer.Start(ctx, "registry.Register",
		trace.WithAttributes(attribute.String("agent.id", string(rec.ID))))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return sserr.Wrap(err, sserr.CodeAborted, "registry: register canceled")
	}
	if rec.Status == "" {
		rec.Status = ids.AgentStatusStarting
	}
	if rec.Health == "" {
		rec.Health = ids.HealthUnknown
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.clock()
	}
	if err := rec.validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	r.structMu.Lock()
	defer r.structMu.Unlock()

	sh := shardFor(r.shards, rec.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.records[rec.ID]; exists {
		err := errAlreadyExists(string(rec.ID))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if int(r.count.Load()) >= r.cfg.MaxAgents {
		err := errRegistrationFailed(r.cfg.MaxAgents)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	stored := rec.Clone()
	sh.records[rec.ID] = &stored
	r.count.Add(1)

	r.publisher.PublishAgentRegistered(stored.Clone())
	return nil
}

// Unregister removes an agent from the registry. Fails with a not-found
// error if the ID is absent. If the agent has a current task, it is the
// caller's responsibility (the coordinator facade) to cancel or re-queue
// it before calling Unregister — the registry itself holds no reference
// to the scheduler.
func (r *Registry) Unregister(ctx context.Context, id ids.AgentID) error {
	_, span := r.tracer.Start(ctx, "registry.Unregister",
		trace.WithAttributes(attribute.String("agent.id", string(id))))
	defer span.End()

	r.structMu.Lock()
	defer r.structMu.Unlock()

	sh := shardFor(r.shards, id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.records[id]; !exists {
		err := errNotFound(string(id))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	delete(sh.records, id)
	r.count.Add(-1)

	r.publisher.PublishAgentUnregistered(id)
	return nil
}

// Get returns a snapshot copy of the record for id, or a not-found error.
func (r *Registry) Get(id ids.AgentID) (Record, error) {
	sh := shardFor(r.shards, id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, exists := sh.records[id]
	if !exists {
		return Record{}, errNotFound(string(id))
	}
	return rec.Clone(), nil
}

// UpdateState validates and applies new_status to the agent, publishing
// an AgentStatusChanged event if the status actually changed. Returns a
// not-found error if id is absent, or a validation error if the
// transition is not permitted by the agent status matrix.
func (r *Registry) UpdateState(ctx context.Context, id ids.AgentID, newStatus ids.AgentStatus) error {
	_, span := r.tracer.Start(ctx, "registry.UpdateState",
		trace.WithAttributes(
			attribute.String("agent.id", string(id)),
			attribute.String("agent.new_status", string(newStatus)),
		))
	defer span.End()

	sh := shardFor(r.shards, id)
	sh.mu.Lock()

	rec, exists := sh.records[id]
	if !exists {
		sh.mu.Unlock()
		err := errNotFound(string(id))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	old := rec.Status
	if old == newStatus {
		sh.mu.Unlock()
		return nil
	}
	if !ids.ValidAgentTransition(old, newStatus) {
		sh.mu.Unlock()
		err := sserr.Newf(sserr.CodeValidation,
			"registry: invalid agent status transition from %q to %q", old, newStatus)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	rec.Status = newStatus
	sh.mu.Unlock()

	r.publisher.PublishAgentStatusChanged(id, old, newStatus)
	return nil
}

// UpdateHealth sets the agent's self-reported or probe-derived health
// level. Rejected with a validation error if the new health is Down
// while the agent's status is still Idle or Busy (invariant c) — the
// caller must move the agent to Offline or Error first, or send both
// updates together.
func (r *Registry) UpdateHealth(ctx context.Context, id ids.AgentID, newHealth ids.Health) error {
	_, span := r.tracer.Start(ctx, "registry.UpdateHealth",
		trace.WithAttributes(
			attribute.String("agent.id", string(id)),
			attribute.String("agent.new_health", string(newHealth)),
		))
	defer span.End()

	sh := shardFor(r.shards, id)
	sh.mu.Lock()

	rec, exists := sh.records[id]
	if !exists {
		sh.mu.Unlock()
		err := errNotFound(string(id))
		span.RecordError(err)
		return err
	}
	if newHealth == ids.HealthDown && (rec.Status == ids.AgentStatusIdle || rec.Status == ids.AgentStatusBusy) {
		sh.mu.Unlock()
		err := errDownAgentNotOffline
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	old := rec.Health
	rec.Health = newHealth
	sh.mu.Unlock()

	if old != newHealth {
		r.publisher.PublishAgentHealthChanged(id, old, newHealth)
	}
	return nil
}

// mutate runs fn against the shard-owned record for id under the shard's
// write lock, without allocating an intermediate snapshot. Used
// internally by operations (Touch, the scheduler's completion bookkeeping
// via MutateMetrics) that need read-modify-write semantics on the live
// record.
func (r *Registry) mutate(id ids.AgentID, fn func(rec *Record) error) error {
	sh := shardFor(r.shards, id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, exists := sh.records[id]
	if !exists {
		return errNotFound(string(id))
	}
	return fn(rec)
}

// Touch records a heartbeat timestamp for id. A timestamp older than the
// currently stored one is rejected silently (monotonicity, invariant d),
// not treated as an error — stale heartbeats can arrive out of order
// across reconnects.
func (r *Registry) Touch(id ids.AgentID, ts time.Time) error {
	return r.mutate(id, func(rec *Record) error {
		if ts.After(rec.Metrics.LastHeartbeat) {
			rec.Metrics.LastHeartbeat = ts
		}
		return nil
	})
}

// MutateMetrics applies fn to the live metrics and current-task fields of
// id's record under its shard lock. Used by the scheduler to apply
// assignment/completion/failure bookkeeping atomically with respect to
// concurrent heartbeats and status reads on the same agent.
func (r *Registry) MutateMetrics(id ids.AgentID, fn func(rec *Record)) error {
	return r.mutate(id, func(rec *Record) error {
		fn(rec)
		return nil
	})
}

// ListAvailable returns a snapshot of every agent satisfying
// is_healthy() ∧ is_operational() ∧ can_accept_tasks().
func (r *Registry) ListAvailable() []Record {
	var out []Record
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			if rec.IsAvailable() {
				out = append(out, rec.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// List returns a snapshot of every registered agent, regardless of
// availability. Used by statistics and snapshot persistence.
func (r *Registry) List() []Record {
	var out []Record
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			out = append(out, rec.Clone())
		}
		sh.mu.RUnlock()
	}
	return out
}

// Count returns the current number of registered agents.
func (r *Registry) Count() int {
	return int(r.count.Load())
}
