package coordinator

import (
	"time"

	"github.com/stricklysoft/agentcoord/internal/ids"
)

// Statistics is the snapshot returned by get_statistics: aggregate
// counts across the registry and scheduler plus the dependency graph's
// current size, taken without holding any subsystem's lock across the
// whole computation (each count is read from that subsystem's own
// already-atomic accessor).
type Statistics struct {
	Uptime time.Duration

	TotalAgents    int
	AgentsByStatus map[ids.AgentStatus]int
	AgentsByHealth map[ids.Health]int

	TotalTasks     int
	TasksByStatus  map[ids.TaskStatus]int
	TasksCompleted int64
	TasksFailed    int64

	GraphNodes int
	GraphEdges int
}

// GetStatistics computes a fresh Statistics snapshot. It never fails:
// per the external API surface, get_statistics has no documented error
// case.
func (c *Coordinator) GetStatistics() Statistics {
	stats := Statistics{
		Uptime:         time.Since(c.startedAt),
		AgentsByStatus: make(map[ids.AgentStatus]int),
		AgentsByHealth: make(map[ids.Health]int),
		TasksByStatus:  make(map[ids.TaskStatus]int),
	}

	agents := c.registry.List()
	stats.TotalAgents = len(agents)
	for _, a := range agents {
		stats.AgentsByStatus[a.Status]++
		stats.AgentsByHealth[a.Health]++
		stats.TasksCompleted += a.Metrics.TasksCompleted
		stats.TasksFailed += a.Metrics.TasksFailed
	}

	tasks := c.scheduler.Snapshot()
	stats.TotalTasks = len(tasks)
	for _, t := range tasks {
		stats.TasksByStatus[t.Status]++
	}

	stats.GraphNodes = c.graph.NodeCount()
	stats.GraphEdges = c.graph.EdgeCount()

	return stats
}
