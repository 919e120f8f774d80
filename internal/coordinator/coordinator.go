package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stricklysoft/agentcoord/internal/capindex"
	"github.com/stricklysoft/agentcoord/internal/depgraph"
	"github.com/stricklysoft/agentcoord/internal/healthmon"
	"github.com/stricklysoft/agentcoord/internal/ids"
	"github.com/stricklysoft/agentcoord/internal/impact"
	"github.com/stricklysoft/agentcoord/internal/messaging"
	"github.com/stricklysoft/agentcoord/internal/registry"
	"github.com/stricklysoft/agentcoord/internal/scheduler"
	"github.com/stricklysoft/agentcoord/internal/snapshot"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/stricklysoft/agentcoord/internal/coordinator"

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithLogger sets the structured logger every background loop and API
// method logs through. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithGraphStore attaches the optional Neo4j-backed dependency-graph
// persistence collaborator. Without it, the graph lives in memory only.
func WithGraphStore(store *depgraph.Store) Option {
	return func(c *Coordinator) { c.graphStore = store }
}

// WithSnapshotStore attaches the optional MinIO-backed persisted-state
// collaborator. Without it, Start skips state replay and Stop skips the
// final save; correctness of the live system never depends on it.
func WithSnapshotStore(store *snapshot.Store) Option {
	return func(c *Coordinator) { c.snapshotStore = store }
}

// WithCapIndex attaches the optional Qdrant-backed capability-similarity
// accelerator. Without it, task assignment always falls back to the
// registry's full scan, which is correct, just not sub-linear.
func WithCapIndex(idx *capindex.Index) Option {
	return func(c *Coordinator) { c.capIndex = idx }
}

// WithArchiver attaches the optional task archiver the scheduler hands
// terminal tasks off to (e.g. a Postgres-backed archive). Without it,
// completed and failed tasks are only retained in memory.
func WithArchiver(a scheduler.Archiver) Option {
	return func(c *Coordinator) { c.archiver = a }
}

// WithPresence attaches the optional Redis-backed cross-replica presence
// tracker to the messaging hub. Without it, Unicast fails fast against a
// disconnected agent instead of buffering, and presence is only known to
// this coordinator instance's own in-memory connection table.
func WithPresence(p *messaging.Presence) Option {
	return func(c *Coordinator) { c.presence = p }
}

// Coordinator is the facade that owns every subsystem, wires their
// events into a single bus, runs their background loops, and exposes
// the engine's external API: start, stop, register_agent,
// unregister_agent, update_agent_state, assign_task, complete_task, and
// get_statistics.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time

	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	graph     *depgraph.Graph
	analyzer  *impact.Analyzer
	monitor   *healthmon.Monitor
	hub       *messaging.Hub
	events    *EventBus

	graphStore    *depgraph.Store
	snapshotStore *snapshot.Store
	capIndex      *capindex.Index
	archiver      scheduler.Archiver
	presence      *messaging.Presence

	startedAt time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Coordinator and every subsystem it owns, wiring a
// single EventBus as the publisher for all of them. The messaging hub's
// handler is a closure over the coordinator itself — a two-phase
// construction (declare, build hub, assign) resolves the otherwise
// circular dependency between the hub (which needs a handler at
// construction) and the coordinator (which needs the hub).
func New(cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.events = NewEventBus(c.cfg.EventBufferSize, c.logger)
	c.registry = registry.New(cfg.Registry, registry.WithPublisher(c.events), registry.WithLogger(c.logger))
	schedOpts := []scheduler.Option{scheduler.WithPublisher(c.events), scheduler.WithLogger(c.logger)}
	if c.archiver != nil {
		schedOpts = append(schedOpts, scheduler.WithArchiver(c.archiver))
	}
	if c.capIndex != nil {
		schedOpts = append(schedOpts, scheduler.WithCapIndex(c.capIndex))
	}
	c.scheduler = scheduler.New(c.registry, cfg.Scheduler, schedOpts...)
	c.graph = depgraph.New()
	maxDepth := cfg.ImpactMaxDepth
	if maxDepth <= 0 {
		maxDepth = impact.DefaultMaxDepth
	}
	c.analyzer = impact.New(c.graph, maxDepth)
	c.monitor = healthmon.New(healthmon.WithPublisher(c.events), healthmon.WithLogger(c.logger))

	// handler dispatches inbound agent frames back into c. c is not yet
	// fully built when the closure is created, but it is never invoked
	// before New returns and Start runs the hub's read loop.
	handler := func(ctx context.Context, conn *messaging.Connection, env messaging.Envelope) {
		c.handleEnvelope(ctx, conn, env)
	}
	hubOpts := []messaging.HubOption{
		messaging.WithConnectionPublisher(c.events), messaging.WithHubLogger(c.logger),
	}
	if c.presence != nil {
		hubOpts = append(hubOpts, messaging.WithPresence(c.presence))
	}
	c.hub = messaging.NewHub(cfg.Hub, handler, hubOpts...)

	return c
}

// Start brings every background loop online: registry staleness scan,
// scheduler tick loop, health monitor probes, and the messaging hub's
// heartbeat scanner. It is idempotent — a second call while already
// running is a no-op. If a snapshot store is configured, Start first
// replays the most recent persisted state before accepting new work.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	if c.snapshotStore != nil {
		if err := c.replaySnapshot(ctx); err != nil {
			c.logger.Error("coordinator: snapshot replay failed, starting from empty state", "error", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.startedAt = c.clock()

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.registry.RunStaleness(runCtx) }()

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.scheduler.Run(runCtx) }()

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.monitor.Run(runCtx) }()

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.hub.Run(runCtx) }()

	if c.snapshotStore != nil && c.cfg.SnapshotInterval > 0 {
		c.wg.Add(1)
		go func() { defer c.wg.Done(); c.runSnapshotLoop(runCtx) }()
	}

	c.running = true
	return nil
}

// Stop drains the coordinator: it signals every background loop to
// exit, stops the registry, health monitor and hub, then waits up to
// cfg.DrainTimeout for the loops to return, logging a warning and
// carrying on if the deadline is exceeded. If a snapshot store is
// configured, a final state save is attempted before returning.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.registry.Stop()
	c.monitor.Stop()
	c.hub.Stop()

	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(c.cfg.DrainTimeout):
		c.logger.Warn("coordinator: drain timeout exceeded, forcing shutdown")
	}

	if c.snapshotStore != nil {
		if err := c.saveSnapshot(ctx); err != nil {
			c.logger.Error("coordinator: final snapshot save failed", "error", err)
		}
	}
	return nil
}

// RegisterAgent adds a new agent to the registry and, if the coordinator
// has a capability index, indexes its capability set. Returns a
// conflict error if the ID is already registered, or a capacity error
// if the registry is full.
func (c *Coordinator) RegisterAgent(ctx context.Context, rec registry.Record) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.RegisterAgent",
		trace.WithAttributes(attribute.String("agent.id", string(rec.ID))))
	defer span.End()

	if err := c.registry.Register(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if c.capIndex != nil {
		if err := c.capIndex.Index(ctx, rec.ID, rec.Capabilities); err != nil {
			c.logger.Warn("coordinator: capability index update failed", "agent.id", rec.ID, "error", err)
		}
	}
	return nil
}

// UnregisterAgent removes an agent from the registry, cancelling its
// current task (if any) so the task is re-queued (if its retry policy
// allows) or marked Cancelled rather than left orphaned.
func (c *Coordinator) UnregisterAgent(ctx context.Context, id ids.AgentID) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.UnregisterAgent",
		trace.WithAttributes(attribute.String("agent.id", string(id))))
	defer span.End()

	rec, err := c.registry.Get(id)
	if err == nil && rec.CurrentTask != nil {
		if cancelErr := c.scheduler.CancelForAgent(ctx, id, *rec.CurrentTask); cancelErr != nil {
			c.logger.Warn("coordinator: failed to cancel current task on unregister",
				"agent.id", id, "task.id", *rec.CurrentTask, "error", cancelErr)
		}
	}

	if err := c.registry.Unregister(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if c.capIndex != nil {
		if err := c.capIndex.Remove(ctx, id); err != nil {
			c.logger.Warn("coordinator: capability index removal failed", "agent.id", id, "error", err)
		}
	}
	return nil
}

// UpdateAgentState applies an agent status transition. Returns a
// not-found error if the agent is absent, or a validation error if the
// transition is not permitted.
func (c *Coordinator) UpdateAgentState(ctx context.Context, id ids.AgentID, newStatus ids.AgentStatus) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.UpdateAgentState",
		trace.WithAttributes(
			attribute.String("agent.id", string(id)),
			attribute.String("agent.new_status", string(newStatus)),
		))
	defer span.End()

	if err := c.registry.UpdateState(ctx, id, newStatus); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.scheduler.Wake()
	return nil
}

// SubmitTask enqueues a task for assignment. Idempotent on task ID.
func (c *Coordinator) SubmitTask(ctx context.Context, t scheduler.Task) error {
	if err := c.scheduler.Submit(ctx, t); err != nil {
		return err
	}
	c.scheduler.Wake()
	return nil
}

// AssignTask attempts to match a pending task to an available agent. It
// returns a sserr.CodeAssignment error (TaskAssignmentFailed) naming
// the reason — no available agents, or none with the required
// capabilities — or the assigned agent's ID.
func (c *Coordinator) AssignTask(ctx context.Context, taskID ids.TaskID) (ids.AgentID, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.AssignTask",
		trace.WithAttributes(attribute.String("task.id", string(taskID))))
	defer span.End()

	agentID, err := c.scheduler.Assign(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return agentID, nil
}

// CompleteTask records a task's successful result. Per the external API
// contract it is idempotent and silently succeeds even if the task ID
// is unknown, so a late or duplicate completion report from an agent
// never surfaces as an error.
func (c *Coordinator) CompleteTask(ctx context.Context, taskID ids.TaskID, result json.RawMessage) error {
	return c.scheduler.Complete(ctx, taskID, result)
}

// FailTask records a task failure. Depending on the task's retry
// policy, the scheduler either re-queues it or marks it terminally
// Failed.
func (c *Coordinator) FailTask(ctx context.Context, taskID ids.TaskID, reason string) error {
	if err := c.scheduler.Fail(ctx, taskID, reason); err != nil {
		return err
	}
	c.scheduler.Wake()
	return nil
}

// AddDependencyNode adds a node to the dependency graph, persisting it
// through the optional graph store if one is configured.
func (c *Coordinator) AddDependencyNode(ctx context.Context, cfg depgraph.NodeConfig) error {
	if err := c.graph.AddNode(ctx, cfg); err != nil {
		return err
	}
	if c.graphStore != nil {
		n, err := c.graph.GetNode(cfg.ID)
		if err != nil {
			return nil
		}
		if err := c.graphStore.SaveNode(ctx, n); err != nil {
			c.logger.Warn("coordinator: graph store save failed", "node.id", cfg.ID, "error", err)
		}
	}
	return nil
}

// RemoveDependencyNode deletes a node and cascades removal of every edge
// touching it, propagating the cascade to the optional graph store.
func (c *Coordinator) RemoveDependencyNode(ctx context.Context, id depgraph.NodeID) error {
	for _, e := range c.graph.Edges() {
		if e.Source == id || e.Target == id {
			if err := c.pruneEdgeFromStore(ctx, e); err != nil {
				c.logger.Warn("coordinator: graph store edge delete failed", "node.id", id, "error", err)
			}
		}
	}
	if err := c.graph.RemoveNode(ctx, id); err != nil {
		return err
	}
	if c.graphStore != nil {
		if err := c.graphStore.DeleteNode(ctx, id); err != nil {
			c.logger.Warn("coordinator: graph store delete failed", "node.id", id, "error", err)
		}
	}
	return nil
}

// AddDependencyEdge inserts or upserts a directed edge between two
// dependency nodes, persisting it through the optional graph store.
func (c *Coordinator) AddDependencyEdge(ctx context.Context, src, tgt depgraph.NodeID, rel depgraph.Relation, strength float64, ops []string) error {
	if err := c.graph.AddEdge(ctx, src, tgt, rel, strength, ops); err != nil {
		return err
	}
	if c.graphStore != nil {
		edges, err := c.graph.Neighbours(src, depgraph.Outgoing)
		if err != nil {
			return nil
		}
		for _, e := range edges {
			if e.Target == tgt && e.Relation == rel {
				if err := c.graphStore.SaveEdge(ctx, e); err != nil {
					c.logger.Warn("coordinator: graph store edge save failed", "edge.source", src, "edge.target", tgt, "error", err)
				}
				break
			}
		}
	}
	return nil
}

// RemoveDependencyEdge deletes the edge on the (source, target, relation)
// triple, including from the optional graph store.
func (c *Coordinator) RemoveDependencyEdge(ctx context.Context, src, tgt depgraph.NodeID, rel depgraph.Relation) error {
	if err := c.graph.RemoveEdge(ctx, src, tgt, rel); err != nil {
		return err
	}
	if c.graphStore != nil {
		if err := c.graphStore.DeleteEdge(ctx, src, tgt, rel); err != nil {
			c.logger.Warn("coordinator: graph store edge delete failed", "edge.source", src, "edge.target", tgt, "error", err)
		}
	}
	return nil
}

// pruneEdgeFromStore removes one edge from the optional graph store ahead
// of a node deletion, mirroring the in-memory cascade RemoveNode performs.
func (c *Coordinator) pruneEdgeFromStore(ctx context.Context, e depgraph.Edge) error {
	if c.graphStore == nil {
		return nil
	}
	return c.graphStore.DeleteEdge(ctx, e.Source, e.Target, e.Relation)
}

// UpdateDependencyHealth records a node's last-known health status, as
// reported by the health monitor.
func (c *Coordinator) UpdateDependencyHealth(ctx context.Context, id depgraph.NodeID, health string) error {
	return c.graph.UpdateHealth(ctx, id, health)
}

// HasDependencyCycle reports whether the dependency graph currently
// contains a cycle.
func (c *Coordinator) HasDependencyCycle() bool {
	return c.graph.HasCycle()
}

// FindDependencyCycles runs cycle detection over the dependency graph.
func (c *Coordinator) FindDependencyCycles() []depgraph.Cycle {
	return c.graph.FindCycles()
}

// ExportDependencyGraph renders the dependency graph as Graphviz DOT
// source for operator inspection.
func (c *Coordinator) ExportDependencyGraph() string {
	return c.graph.ExportDOT()
}

// ChangeImpact analyzes the downstream blast radius of a proposed change
// to the named nodes, classifying each impacted node's risk level.
func (c *Coordinator) ChangeImpact(ctx context.Context, affected []depgraph.NodeID) (impact.Result, map[depgraph.NodeID]ids.RiskLevel, error) {
	result, err := c.analyzer.ChangeImpact(ctx, affected)
	if err != nil {
		return impact.Result{}, nil, err
	}
	return result, impact.ClassifyRisk(result.Impacts), nil
}

// Hub returns the messaging hub the coordinator owns, for registration
// with a transport-level gRPC server. The coordinator retains ownership
// of the hub's lifecycle (Start/Stop); callers must not call Run or
// Stop on the returned value directly.
func (c *Coordinator) Hub() *messaging.Hub {
	return c.hub
}

// Subscribe exposes the coordinator's event bus to external consumers
// (e.g. an admin API, metrics exporters).
func (c *Coordinator) Subscribe() <-chan Event {
	return c.events.Subscribe()
}

// Unsubscribe releases a channel obtained from Subscribe.
func (c *Coordinator) Unsubscribe(ch <-chan Event) {
	c.events.Unsubscribe(ch)
}

func (c *Coordinator) replaySnapshot(ctx context.Context) error {
	state, found, err := c.snapshotStore.LoadLatest(ctx)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	for _, rec := range state.Agents {
		if err := c.registry.Register(ctx, rec); err != nil {
			c.logger.Warn("coordinator: skipped agent on replay", "agent.id", rec.ID, "error", err)
		}
	}
	for _, t := range state.Tasks {
		if err := c.scheduler.Submit(ctx, t); err != nil {
			c.logger.Warn("coordinator: skipped task on replay", "task.id", t.ID, "error", err)
		}
	}
	c.logger.Info("coordinator: replayed persisted state",
		"epoch", state.Epoch, "agents", len(state.Agents), "tasks", len(state.Tasks))
	return nil
}

func (c *Coordinator) saveSnapshot(ctx context.Context) error {
	state := snapshot.State{
		Agents: c.registry.List(),
		Tasks:  c.scheduler.Snapshot(),
	}
	return c.snapshotStore.Save(ctx, state)
}

func (c *Coordinator) runSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.saveSnapshot(ctx); err != nil {
				c.logger.Warn("coordinator: periodic snapshot save failed", "error", err)
			}
		}
	}
}
