package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stricklysoft/agentcoord/internal/ids"
	"github.com/stricklysoft/agentcoord/internal/registry"
	sserr "github.com/stricklysoft/agentcoord/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/stricklysoft/agentcoord/internal/scheduler"

// Config holds scheduler-wide tunables.
type Config struct {
	ScheduleTick     time.Duration
	TaskStartTimeout time.Duration
	Weights          Weights

	// MaxAssignmentRetryBackoff caps the exponential backoff applied to
	// a task's re-assignment delay after repeated TaskAssignmentFailed
	// errors. Zero disables the cap.
	MaxAssignmentRetryBackoff time.Duration
}

// DefaultConfig returns the scheduler defaults: 10s tick, 60s task-start
// timeout, default weights, 60s max assignment backoff.
func DefaultConfig() Config {
	return Config{
		ScheduleTick:              10 * time.Second,
		TaskStartTimeout:          60 * time.Second,
		Weights:                   DefaultWeights(),
		MaxAssignmentRetryBackoff: 60 * time.Second,
	}
}

// EventPublisher receives scheduler lifecycle events.
type EventPublisher interface {
	PublishTaskSubmitted(t Task)
	PublishTaskAssigned(t Task)
	PublishTaskCompleted(t Task)
	PublishTaskFailed(t Task)
}

type noopPublisher struct{}

func (noopPublisher) PublishTaskSubmitted(Task) {}
func (noopPublisher) PublishTaskAssigned(Task)  {}
func (noopPublisher) PublishTaskCompleted(Task) {}
func (noopPublisher) PublishTaskFailed(Task)    {}

// Archiver migrates terminal tasks to a durable store. See archive.go for
// the Postgres-backed implementation.
type Archiver interface {
	Archive(ctx context.Context, t Task) error
}

type noopArchiver struct{}

func (noopArchiver) Archive(context.Context, Task) error { return nil }

// CapabilityIndex is an optional pre-filter consulted before the exact
// Go-side capability/load filter in candidates(): it narrows the
// available-agent pool to a sub-linear-time candidate set. See
// internal/capindex.Index for the Qdrant-backed implementation. A nil
// CapabilityIndex (the default) means candidates() always scans every
// available agent.
type CapabilityIndex interface {
	Candidates(ctx context.Context, required ids.CapabilitySet, limit int) ([]ids.AgentID, error)
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

func WithPublisher(p EventPublisher) Option   { return func(s *Scheduler) { s.publisher = p } }
func WithArchiver(a Archiver) Option          { return func(s *Scheduler) { s.archiver = a } }
func WithLogger(l *slog.Logger) Option        { return func(s *Scheduler) { s.logger = l } }
func WithClock(c func() time.Time) Option     { return func(s *Scheduler) { s.clock = c } }
func WithCapIndex(idx CapabilityIndex) Option { return func(s *Scheduler) { s.capIndex = idx } }

// Scheduler owns the pending task queue and assignment bookkeeping. It is
// safe for concurrent use by multiple goroutines.
type Scheduler struct {
	cfg      Config
	registry *registry.Registry

	mu      sync.Mutex
	order   []ids.TaskID // FIFO submission order of non-terminal tasks
	tasks   map[ids.TaskID]*Task
	backoff map[ids.TaskID]time.Duration

	durations *durationWindow

	publisher EventPublisher
	archiver  Archiver
	capIndex  CapabilityIndex
	logger    *slog.Logger
	tracer    trace.Tracer
	clock     func() time.Time

	wake chan struct{}
}

// New constructs a Scheduler bound to the given registry.
func New(reg *registry.Registry, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		registry:  reg,
		tasks:     make(map[ids.TaskID]*Task),
		backoff:   make(map[ids.TaskID]time.Duration),
		durations: newDurationWindow(256),
		publisher: noopPublisher{},
		archiver:  noopArchiver{},
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		clock:     time.Now,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wake signals the scheduler loop to run a tick immediately, for
// edge-triggering on task submission or agent state changes. Non-blocking.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit appends a task to the pending queue. Idempotent on task ID: a
// resubmission of a tracked task is a no-op.
func (s *Scheduler) Submit(ctx context.Context, t Task) error {
	_, span := s.tracer.Start(ctx, "scheduler.Submit",
		trace.WithAttributes(attribute.String("task.id", string(t.ID))))
	defer span.End()

	if err := t.validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.mu.Lock()
	if _, exists := s.tasks[t.ID]; exists {
		s.mu.Unlock()
		return nil
	}
	stored := t.Clone()
	stored.Status = ids.TaskStatusPending
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.clock()
	}
	s.tasks[t.ID] = &stored
	s.order = append(s.order, t.ID)
	s.mu.Unlock()

	s.publisher.PublishTaskSubmitted(stored.Clone())
	s.Wake()
	return nil
}

// Get returns a snapshot copy of the task for id.
func (s *Scheduler) Get(id ids.TaskID) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, sserr.NotFound("scheduler: task " + string(id) + " not found")
	}
	return t.Clone(), nil
}

// Snapshot returns a copy of every tracked task (pending, assigned, and
// terminal tasks not yet pruned), for persistence by the coordinator's
// periodic state snapshot. Ordering is unspecified.
func (s *Scheduler) Snapshot() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// candidates selects, scores, and orders eligible agents for task t,
// implementing steps 1-4 of the selection algorithm in §4.2. Returns an
// empty slice (not an error) if no agent is available at all, versus if
// every available agent lacks the required capability set — callers
// distinguish those two failure reasons themselves.
//
// If a CapabilityIndex is configured, it is consulted first to narrow
// the available-agent pool to a sub-linear-time candidate set (queried
// with a limit covering every available agent, so a healthy index never
// trims true matches, only short-circuits the scan). The exact
// CapabilitySet.Contains check below always still runs against whatever
// pool is selected: the index can only narrow candidates, never decide
// eligibility on its own. Any index error, or an empty result, falls
// back to scanning every available agent directly.
func (s *Scheduler) candidates(ctx context.Context, t Task) (noneAvailable bool, scored []scoredAgent) {
	available := s.registry.ListAvailable()
	if len(available) == 0 {
		return true, nil
	}

	pool := available
	if s.capIndex != nil {
		if hinted, err := s.capIndex.Candidates(ctx, t.RequiredCaps, len(available)); err != nil {
			s.logger.DebugContext(ctx, "scheduler: capability index query failed, scanning full registry",
				"error", err)
		} else if len(hinted) > 0 {
			byID := make(map[ids.AgentID]registry.Record, len(available))
			for _, rec := range available {
				byID[rec.ID] = rec
			}
			filtered := make([]registry.Record, 0, len(hinted))
			for _, id := range hinted {
				if rec, ok := byID[id]; ok {
					filtered = append(filtered, rec)
				}
			}
			if len(filtered) > 0 {
				pool = filtered
			}
		}
	}

	p95 := s.durations.p95()
	for _, rec := range pool {
		if !rec.Capabilities.Contains(t.RequiredCaps) {
			continue
		}
		if rec.Metrics.TasksRunning >= rec.Config.MaxConcurrentTasks {
			continue
		}
		scored = append(scored, scoredAgent{
			rec:   rec,
			score: score(rec, s.cfg.Weights, p95),
		})
	}
	return false, scored
}

type scoredAgent struct {
	rec   registry.Record
	score ids.Score
}

// selectBest applies the deterministic tie-break: highest score, then
// lowest load_ratio, then oldest last_heartbeat, then smallest agent ID.
func selectBest(candidates []scoredAgent, maxConcurrent func(registry.Record) int) scoredAgent {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		la := a.rec.Metrics.LoadRatio(a.rec.Config.MaxConcurrentTasks)
		lb := b.rec.Metrics.LoadRatio(b.rec.Config.MaxConcurrentTasks)
		if la != lb {
			return la < lb
		}
		if !a.rec.Metrics.LastHeartbeat.Equal(b.rec.Metrics.LastHeartbeat) {
			return a.rec.Metrics.LastHeartbeat.Before(b.rec.Metrics.LastHeartbeat)
		}
		return a.rec.ID < b.rec.ID
	})
	return candidates[0]
}

// Assign runs the agent-selection algorithm for a pending task and, on
// success, transitions it to Assigned. Returns a TaskAssignmentFailed
// error ([sserr.CodeAssignment]) distinguishing "no available agents"
// from "no agents with required capabilities" per §4.2.
func (s *Scheduler) Assign(ctx context.Context, taskID ids.TaskID) (ids.AgentID, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.Assign",
		trace.WithAttributes(attribute.String("task.id", string(taskID))))
	defer span.End()

	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		err := sserr.NotFound("scheduler: task " + string(taskID) + " not found")
		span.RecordError(err)
		return "", err
	}
	if t.Status != ids.TaskStatusPending {
		snapshot := t.Clone()
		s.mu.Unlock()
		if snapshot.AssignedAgent != nil {
			return *snapshot.AssignedAgent, nil
		}
		return "", sserr.Assignmentf("scheduler: task %q is not pending", taskID)
	}
	taskSnapshot := t.Clone()
	s.mu.Unlock()

	noneAvailable, scored := s.candidates(ctx, taskSnapshot)
	if noneAvailable {
		err := sserr.Assignment("No available agents")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if len(scored) == 0 {
		err := sserr.Assignment("No agents with required capabilities")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	best := selectBest(scored, nil)
	agentID := best.rec.ID

	now := s.clock()
	s.mu.Lock()
	t.Status = ids.TaskStatusAssigned
	t.AssignedAgent = &agentID
	t.AssignedAt = &now
	assigned := t.Clone()
	s.mu.Unlock()

	if err := s.registry.UpdateState(ctx, agentID, ids.AgentStatusBusy); err != nil {
		span.RecordError(err)
	}
	_ = s.registry.MutateMetrics(agentID, func(rec *registry.Record) {
		rec.CurrentTask = &taskSnapshot.ID
		rec.Metrics.TasksRunning++
	})

	s.publisher.PublishTaskAssigned(assigned)
	return agentID, nil
}

// MarkRunning transitions an Assigned task to Running, triggered by the
// assigned agent's first heartbeat referencing the task or a
// TaskStatusUpdate message.
func (s *Scheduler) MarkRunning(taskID ids.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return sserr.NotFound("scheduler: task " + string(taskID) + " not found")
	}
	if !ids.ValidTaskTransition(t.Status, ids.TaskStatusRunning) {
		return sserr.Newf(sserr.CodeValidation, "scheduler: cannot move task %q from %q to Running", taskID, t.Status)
	}
	t.Status = ids.TaskStatusRunning
	return nil
}

// Complete transitions a Running task to Completed and updates the
// assigned agent's metrics: tasks_completed += 1, last_task_duration =
// now - created_at, rolling average updated (via the shared duration
// window).
func (s *Scheduler) Complete(ctx context.Context, taskID ids.TaskID, result []byte) error {
	_, span := s.tracer.Start(ctx, "scheduler.Complete",
		trace.WithAttributes(attribute.String("task.id", string(taskID))))
	defer span.End()

	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		// Idempotent no-op: completion of an unknown task is not an error.
		return nil
	}
	if t.Status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}

	agentID := t.AssignedAgent
	now := s.clock()
	duration := now.Sub(t.CreatedAt)

	t.Status = ids.TaskStatusCompleted
	t.Result = append([]byte(nil), result...)
	t.CompletedAt = &now
	completed := t.Clone()
	s.removeFromOrder(taskID)
	s.mu.Unlock()

	s.durations.record(float64(duration.Milliseconds()))

	if agentID != nil {
		_ = s.registry.MutateMetrics(*agentID, func(rec *registry.Record) {
			rec.Metrics.TasksCompleted++
			rec.Metrics.TasksRunning--
			if rec.Metrics.TasksRunning < 0 {
				rec.Metrics.TasksRunning = 0
			}
			rec.Metrics.LastTaskDuration = duration
			rec.Metrics.CumulativeTaskDur += duration
			rec.CurrentTask = nil
		})
		_ = s.registry.UpdateState(ctx, *agentID, ids.AgentStatusIdle)
	}

	s.publisher.PublishTaskCompleted(completed)
	if err := s.archiver.Archive(ctx, completed); err != nil {
		s.logger.WarnContext(ctx, "scheduler: task archival failed", "task_id", string(taskID), "error", err)
	}
	s.Wake()
	return nil
}

// Fail transitions a task to Failed (or re-enqueues it to Pending if its
// retry policy permits), and increments the assigned agent's failure
// counter.
func (s *Scheduler) Fail(ctx context.Context, taskID ids.TaskID, errMsg string) error {
	_, span := s.tracer.Start(ctx, "scheduler.Fail",
		trace.WithAttributes(attribute.String("task.id", string(taskID))))
	defer span.End()

	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if t.Status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}

	agentID := t.AssignedAgent
	t.LastError = errMsg

	retry := t.RetryPolicy.MaxRetries > 0 && t.RetryCount < t.RetryPolicy.MaxRetries
	var final Task
	if retry {
		t.RetryCount++
		t.Status = ids.TaskStatusPending
		t.AssignedAgent = nil
		t.AssignedAt = nil
		final = t.Clone()
	} else {
		now := s.clock()
		t.Status = ids.TaskStatusFailed
		t.CompletedAt = &now
		final = t.Clone()
		s.removeFromOrder(taskID)
	}
	s.mu.Unlock()

	if agentID != nil {
		_ = s.registry.MutateMetrics(*agentID, func(rec *registry.Record) {
			rec.Metrics.TasksFailed++
			rec.Metrics.TasksRunning--
			if rec.Metrics.TasksRunning < 0 {
				rec.Metrics.TasksRunning = 0
			}
			rec.CurrentTask = nil
		})
		_ = s.registry.UpdateState(ctx, *agentID, ids.AgentStatusIdle)
	}

	s.publisher.PublishTaskFailed(final)
	if !retry {
		if err := s.archiver.Archive(ctx, final); err != nil {
			s.logger.WarnContext(ctx, "scheduler: task archival failed", "task_id", string(taskID), "error", err)
		}
	}
	s.Wake()
	return nil
}

// CancelForAgent cancels the current task of an unregistered/evicted
// agent, re-queueing it if its retry policy allows (see open question
// (a): retry is opt-in, so a task with no retry policy is cancelled
// outright rather than silently retried).
func (s *Scheduler) CancelForAgent(ctx context.Context, agentID ids.AgentID, taskID ids.TaskID) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if t.Status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}

	if t.RetryPolicy.MaxRetries > 0 && t.RetryCount < t.RetryPolicy.MaxRetries {
		t.RetryCount++
		t.Status = ids.TaskStatusPending
		t.AssignedAgent = nil
		t.AssignedAt = nil
		s.mu.Unlock()
		s.Wake()
		return nil
	}

	now := s.clock()
	t.Status = ids.TaskStatusCancelled
	t.CompletedAt = &now
	cancelled := t.Clone()
	s.removeFromOrder(taskID)
	s.mu.Unlock()

	if err := s.archiver.Archive(ctx, cancelled); err != nil {
		s.logger.WarnContext(ctx, "scheduler: task archival failed", "task_id", string(taskID), "error", err)
	}
	return nil
}

// removeFromOrder drops a terminal task's ID from the FIFO order slice.
// Must be called with s.mu held.
func (s *Scheduler) removeFromOrder(id ids.TaskID) {
	for i, tid := range s.order {
		if tid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// pendingIDs returns a snapshot of task IDs still in non-terminal states,
// in FIFO submission order. Must be called without s.mu held.
func (s *Scheduler) pendingIDs() []ids.TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ids.TaskID, len(s.order))
	copy(out, s.order)
	return out
}

// Tick runs one scheduling pass: attempts assignment for every Pending
// task (skipping those still in assignment backoff), and reassigns any
// Assigned task that has exceeded task_start_timeout without reaching
// Running. The pass is idempotent — running it twice in a row with no
// intervening state change produces no duplicate assignments, since
// Assign only acts on tasks still in status Pending.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock()

	for _, id := range s.pendingIDs() {
		s.mu.Lock()
		t, ok := s.tasks[id]
		if !ok {
			s.mu.Unlock()
			continue
		}
		status := t.Status
		assignedAt := t.AssignedAt
		nextAttempt, hasBackoff := s.backoff[id]
		s.mu.Unlock()

		switch status {
		case ids.TaskStatusPending:
			if hasBackoff && now.Before(t.CreatedAt.Add(nextAttempt)) {
				continue
			}
			if _, err := s.Assign(ctx, id); err != nil {
				s.bumpBackoff(id)
			} else {
				s.clearBackoff(id)
			}
		case ids.TaskStatusAssigned:
			if assignedAt != nil && now.Sub(*assignedAt) > s.cfg.TaskStartTimeout {
				s.reassign(ctx, id)
			}
		}
	}
}

// reassign returns a timed-out Assigned task to Pending so the next tick
// attempts assignment again, freeing the previous agent's slot.
func (s *Scheduler) reassign(ctx context.Context, id ids.TaskID) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Status != ids.TaskStatusAssigned {
		s.mu.Unlock()
		return
	}
	prevAgent := t.AssignedAgent
	t.Status = ids.TaskStatusPending
	t.AssignedAgent = nil
	t.AssignedAt = nil
	s.mu.Unlock()

	if prevAgent != nil {
		_ = s.registry.MutateMetrics(*prevAgent, func(rec *registry.Record) {
			rec.Metrics.TasksRunning--
			if rec.Metrics.TasksRunning < 0 {
				rec.Metrics.TasksRunning = 0
			}
			rec.CurrentTask = nil
		})
		_ = s.registry.UpdateState(ctx, *prevAgent, ids.AgentStatusIdle)
	}
	s.Wake()
}

func (s *Scheduler) bumpBackoff(id ids.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.backoff[id]
	if cur == 0 {
		cur = time.Second
	} else {
		cur *= 2
	}
	if s.cfg.MaxAssignmentRetryBackoff > 0 && cur > s.cfg.MaxAssignmentRetryBackoff {
		cur = s.cfg.MaxAssignmentRetryBackoff
	}
	s.backoff[id] = cur
}

func (s *Scheduler) clearBackoff(id ids.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoff, id)
}

// Run starts the scheduler loop, blocking until ctx is cancelled. It
// ticks every ScheduleTick and also on-demand whenever Wake is called
// (edge-triggered on new task submission or agent state changes), per
// §4.2's "runs every schedule_tick and on-arrival" requirement.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScheduleTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.wake:
			s.Tick(ctx)
		}
	}
}
