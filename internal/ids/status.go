package ids

// AgentStatus represents the operational status of a registered agent.
// The zero value is not a valid status; agents are created with
// [AgentStatusStarting].
type AgentStatus string

const (
	// AgentStatusStarting is the transient status between registration
	// and the agent's first heartbeat.
	AgentStatusStarting AgentStatus = "Starting"

	// AgentStatusIdle indicates the agent is operational and has no
	// current task.
	AgentStatusIdle AgentStatus = "Idle"

	// AgentStatusBusy indicates the agent has a current task assigned.
	AgentStatusBusy AgentStatus = "Busy"

	// AgentStatusDraining indicates the agent is finishing its current
	// task (if any) but will not accept new assignments.
	AgentStatusDraining AgentStatus = "Draining"

	// AgentStatusOffline indicates the agent is not reachable over the
	// messaging plane.
	AgentStatusOffline AgentStatus = "Offline"

	// AgentStatusError indicates the agent reported or was observed in
	// an error condition.
	AgentStatusError AgentStatus = "Error"
)

// Valid reports whether s is one of the recognized agent statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusStarting, AgentStatusIdle, AgentStatusBusy,
		AgentStatusDraining, AgentStatusOffline, AgentStatusError:
		return true
	default:
		return false
	}
}

// Operational reports whether an agent in this status participates in
// scheduling at all. Offline and Error agents are never operational.
func (s AgentStatus) Operational() bool {
	switch s {
	case AgentStatusOffline, AgentStatusError:
		return false
	default:
		return true
	}
}

// agentStatusTransitions defines the allowed status transitions for an
// agent. An externally-reported AgentStatusUpdate may only move between
// adjacent states in this matrix (see open question (c) in the design
// notes). The registry checks every status change, including the
// coordinator's own, against this same matrix.
var agentStatusTransitions = map[AgentStatus][]AgentStatus{
	AgentStatusStarting: {AgentStatusIdle, AgentStatusOffline, AgentStatusError},
	AgentStatusIdle:     {AgentStatusBusy, AgentStatusDraining, AgentStatusOffline, AgentStatusError},
	AgentStatusBusy:     {AgentStatusIdle, AgentStatusDraining, AgentStatusOffline, AgentStatusError},
	AgentStatusDraining: {AgentStatusIdle, AgentStatusOffline, AgentStatusError},
	AgentStatusOffline:  {AgentStatusStarting, AgentStatusIdle},
	AgentStatusError:    {AgentStatusStarting, AgentStatusOffline},
}

// ValidAgentTransition reports whether transitioning from to to is an
// adjacent move in the agent status matrix. Same-status transitions are
// rejected; callers that only want to update metrics without a status
// change should not call update_state with an identical status.
func ValidAgentTransition(from, to AgentStatus) bool {
	if from == to {
		return false
	}
	targets, ok := agentStatusTransitions[from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// Health represents the coordinator's assessment of an agent's health,
// derived from its sample vector by the health monitor.
type Health string

const (
	// HealthHealthy indicates the agent's health score is >= 0.9.
	HealthHealthy Health = "Healthy"

	// HealthDegraded indicates the agent's health score is in [0.7, 0.9).
	HealthDegraded Health = "Degraded"

	// HealthUnhealthy indicates the agent's health score is in [0.4, 0.7).
	HealthUnhealthy Health = "Unhealthy"

	// HealthDown indicates the agent's health score is in [0.1, 0.4), or
	// that it has missed its staleness threshold.
	HealthDown Health = "Down"

	// HealthUnknown indicates no health data is available yet, or the
	// health score fell below 0.1.
	HealthUnknown Health = "Unknown"
)

// Valid reports whether h is one of the recognized health levels.
func (h Health) Valid() bool {
	switch h {
	case HealthHealthy, HealthDegraded, HealthUnhealthy, HealthDown, HealthUnknown:
		return true
	default:
		return false
	}
}

// rank orders health levels from best to worst, used by the hysteresis
// promote/demote logic in the health monitor.
var healthRank = map[Health]int{
	HealthHealthy:   0,
	HealthDegraded:  1,
	HealthUnhealthy: 2,
	HealthDown:      3,
	HealthUnknown:   4,
}

// Worse reports whether h is a worse health level than other.
func (h Health) Worse(other Health) bool {
	return healthRank[h] > healthRank[other]
}

// Demote returns the next-worse health level, or h unchanged if h is
// already the worst recognized level.
func (h Health) Demote() Health {
	switch h {
	case HealthHealthy:
		return HealthDegraded
	case HealthDegraded:
		return HealthUnhealthy
	case HealthUnhealthy:
		return HealthDown
	case HealthDown:
		return HealthUnknown
	default:
		return HealthUnknown
	}
}

// Promote returns the next-better health level, or h unchanged if h is
// already the best recognized level.
func (h Health) Promote() Health {
	switch h {
	case HealthUnknown:
		return HealthDown
	case HealthDown:
		return HealthUnhealthy
	case HealthUnhealthy:
		return HealthDegraded
	case HealthDegraded:
		return HealthHealthy
	default:
		return HealthHealthy
	}
}

// HealthFromScore maps a health score in [0,1] to a [Health] level per the
// health monitor's scoring bands.
func HealthFromScore(score float64) Health {
	switch {
	case score >= 0.9:
		return HealthHealthy
	case score >= 0.7:
		return HealthDegraded
	case score >= 0.4:
		return HealthUnhealthy
	case score >= 0.1:
		return HealthDown
	default:
		return HealthUnknown
	}
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has been submitted and is
	// waiting for assignment.
	TaskStatusPending TaskStatus = "Pending"

	// TaskStatusAssigned indicates the task has been matched to an
	// agent but has not yet started running.
	TaskStatusAssigned TaskStatus = "Assigned"

	// TaskStatusRunning indicates the assigned agent has acknowledged
	// the task and is actively executing it.
	TaskStatusRunning TaskStatus = "Running"

	// TaskStatusCompleted indicates the task finished successfully.
	// Terminal.
	TaskStatusCompleted TaskStatus = "Completed"

	// TaskStatusFailed indicates the task finished with an error and
	// was not retried (or exhausted its retries). Terminal.
	TaskStatusFailed TaskStatus = "Failed"

	// TaskStatusCancelled indicates the task was cancelled before
	// completion, typically because its agent was unregistered.
	// Terminal.
	TaskStatusCancelled TaskStatus = "Cancelled"
)

// order ranks task statuses along the monotone lifecycle order asserted
// by the coordination engine's testable properties: Pending < Assigned <
// Running < terminal.
var taskStatusOrder = map[TaskStatus]int{
	TaskStatusPending:   0,
	TaskStatusAssigned:  1,
	TaskStatusRunning:   2,
	TaskStatusCompleted: 3,
	TaskStatusFailed:    3,
	TaskStatusCancelled: 3,
}

// IsTerminal reports whether s is a terminal task status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// taskTransitions defines the allowed task status transitions.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:  {TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusAssigned: {TaskStatusRunning, TaskStatusPending, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusRunning:  {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusPending},
}

// ValidTaskTransition reports whether transitioning a task from from to to
// is permitted. Terminal statuses accept no further transitions, matching
// the "absorbing state" invariant.
func ValidTaskTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	targets, ok := taskTransitions[from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// Less reports whether from is strictly before to in the monotone task
// lifecycle order. Two different terminal statuses are considered equal
// in order (both rank 3); Less only distinguishes progression, not
// terminal kind.
func (s TaskStatus) Less(other TaskStatus) bool {
	return taskStatusOrder[s] < taskStatusOrder[other]
}

// ConnectionState represents the lifecycle state of a single messaging
// plane connection.
type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "Connecting"
	ConnectionConnected    ConnectionState = "Connected"
	ConnectionDisconnected ConnectionState = "Disconnected"
	ConnectionError        ConnectionState = "Error"
	ConnectionReconnecting ConnectionState = "Reconnecting"
)

var connectionTransitions = map[ConnectionState][]ConnectionState{
	ConnectionConnecting:   {ConnectionConnected, ConnectionError},
	ConnectionConnected:    {ConnectionDisconnected, ConnectionError},
	ConnectionDisconnected: {ConnectionReconnecting},
	ConnectionError:        {ConnectionReconnecting},
	ConnectionReconnecting: {ConnectionConnected, ConnectionError},
}

// ValidConnectionTransition reports whether the connection state machine
// permits moving from from to to.
func ValidConnectionTransition(from, to ConnectionState) bool {
	if from == to {
		return false
	}
	targets, ok := connectionTransitions[from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// RiskLevel classifies an aggregate impact score produced by the impact
// analyzer.
type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

// RiskFromScore maps an aggregate impact score to a [RiskLevel] per the
// impact analyzer's classification bands.
func RiskFromScore(score float64) RiskLevel {
	switch {
	case score < 0.25:
		return RiskLow
	case score < 0.5:
		return RiskMedium
	case score < 0.75:
		return RiskHigh
	default:
		return RiskCritical
	}
}
