package registry

import (
	"time"

	"github.com/stricklysoft/agentcoord/internal/ids"
)

// AgentConfig holds per-agent tunables supplied at registration time.
type AgentConfig struct {
	// MaxConcurrentTasks bounds how many tasks the scheduler may assign
	// to this agent at once.
	MaxConcurrentTasks int

	// HeartbeatInterval is the interval at which the agent is expected
	// to send heartbeats. Informational; staleness is judged against
	// the registry's own stale_threshold, not this value.
	HeartbeatInterval time.Duration

	// StalenessThreshold overrides the registry-wide stale threshold
	// for this specific agent, if non-zero.
	StalenessThreshold time.Duration
}

// AgentMetrics holds the running counters and timing data tracked for an
// agent across its lifetime in the registry.
type AgentMetrics struct {
	TasksCompleted    int64
	TasksFailed       int64
	TasksRunning      int
	CumulativeTaskDur time.Duration
	LastTaskDuration  time.Duration
	LastHeartbeat     time.Time
}

// SuccessRate returns tasks_completed / max(1, tasks_completed +
// tasks_failed), per the scheduler's scoring formula.
func (m AgentMetrics) SuccessRate() float64 {
	denom := m.TasksCompleted + m.TasksFailed
	if denom < 1 {
		denom = 1
	}
	return float64(m.TasksCompleted) / float64(denom)
}

// LoadRatio returns tasks_running / max_concurrent_tasks, clamped to
// [0,1]. A zero MaxConcurrentTasks is treated as fully loaded to avoid
// division by zero admitting unbounded assignment.
func (m AgentMetrics) LoadRatio(maxConcurrent int) float64 {
	if maxConcurrent <= 0 {
		return 1
	}
	r := float64(m.TasksRunning) / float64(maxConcurrent)
	if r > 1 {
		return 1
	}
	return r
}

// Record is the authoritative, coordinator-owned representation of a
// registered agent. A Record returned from the registry's public methods
// is always a snapshot copy — callers never observe or mutate the
// registry's internal state through it.
type Record struct {
	ID           ids.AgentID
	Name         string
	Type         string
	Capabilities ids.CapabilitySet
	Status       ids.AgentStatus
	Health       ids.Health
	CurrentTask  *ids.TaskID
	Config       AgentConfig
	Metrics      AgentMetrics
	CreatedAt    time.Time
}

// Clone returns a deep copy of the record, safe to hand to callers
// outside the registry's lock.
func (r Record) Clone() Record {
	clone := r
	clone.Capabilities = r.Capabilities.Clone()
	if r.CurrentTask != nil {
		t := *r.CurrentTask
		clone.CurrentTask = &t
	}
	return clone
}

// validate checks the record invariants from the data model: (a)
// tasks_running <= max_concurrent_tasks; (b) current_task set only when
// Busy; (c) health Down forbids status Idle|Busy.
func (r Record) validate() error {
	if r.ID == "" {
		return errEmptyID
	}
	if r.Metrics.TasksRunning > r.Config.MaxConcurrentTasks {
		return errTasksExceedCapacity
	}
	if r.CurrentTask != nil && r.Status != ids.AgentStatusBusy {
		return errCurrentTaskWithoutBusy
	}
	if r.Status == ids.AgentStatusBusy && r.CurrentTask == nil {
		return errBusyWithoutCurrentTask
	}
	if r.Health == ids.HealthDown && (r.Status == ids.AgentStatusIdle || r.Status == ids.AgentStatusBusy) {
		return errDownAgentNotOffline
	}
	return nil
}

// IsHealthy reports whether the record's health is good enough to accept
// work — specifically, not Down or Unknown.
func (r Record) IsHealthy() bool {
	return r.Health == ids.HealthHealthy || r.Health == ids.HealthDegraded || r.Health == ids.HealthUnhealthy
}

// IsOperational reports whether the record's status excludes Offline and
// Error.
func (r Record) IsOperational() bool {
	return r.Status.Operational()
}

// CanAcceptTasks reports whether the record may receive a new assignment:
// not at capacity, not Draining.
func (r Record) CanAcceptTasks() bool {
	if r.Status == ids.AgentStatusDraining {
		return false
	}
	return r.Metrics.TasksRunning < r.Config.MaxConcurrentTasks
}

// IsAvailable reports whether the record satisfies list_available's
// predicate: healthy, operational, and able to accept tasks.
func (r Record) IsAvailable() bool {
	return r.IsHealthy() && r.IsOperational() && r.CanAcceptTasks()
}
