// Package scheduler implements the task queue and agent-selection
// component: task submission, capability- and score-based assignment,
// and completion/failure bookkeeping.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/stricklysoft/agentcoord/internal/ids"
	sserr "github.com/stricklysoft/agentcoord/pkg/errors"
)

// RetryPolicy governs whether a failed task is automatically re-queued.
// Per the resolved open question on default retry behavior, a task with
// a zero-value RetryPolicy (MaxRetries == 0) is never retried — retry is
// opt-in per task, not a scheduler-wide default.
type RetryPolicy struct {
	MaxRetries int
}

// Task is the scheduler's record of a unit of work. A Task returned from
// the scheduler's public methods is always a snapshot copy.
type Task struct {
	ID                 ids.TaskID
	Type               string
	RequiredCaps       ids.CapabilitySet
	Payload            json.RawMessage
	Status             ids.TaskStatus
	AssignedAgent      *ids.AgentID
	RetryPolicy        RetryPolicy
	RetryCount         int
	LastError          string
	Result             json.RawMessage
	CreatedAt          time.Time
	AssignedAt         *time.Time
	CompletedAt        *time.Time
}

// NewTask constructs a Pending task with a freshly generated ID.
func NewTask(taskType string, required ids.CapabilitySet, payload json.RawMessage) Task {
	return Task{
		ID:           ids.NewTaskID(),
		Type:         taskType,
		RequiredCaps: required,
		Payload:      payload,
		Status:       ids.TaskStatusPending,
		CreatedAt:    time.Now(),
	}
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	clone := t
	clone.RequiredCaps = t.RequiredCaps.Clone()
	if t.AssignedAgent != nil {
		a := *t.AssignedAgent
		clone.AssignedAgent = &a
	}
	if t.AssignedAt != nil {
		a := *t.AssignedAt
		clone.AssignedAt = &a
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		clone.CompletedAt = &c
	}
	if t.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		clone.Result = append(json.RawMessage(nil), t.Result...)
	}
	return clone
}

// validate checks invariants from the data model: assigned_agent required
// from Assigned onward.
func (t Task) validate() error {
	if t.ID == "" {
		return sserr.Validation("scheduler: task ID must not be empty")
	}
	if t.Status != ids.TaskStatusPending && t.AssignedAgent == nil {
		return sserr.Validationf("scheduler: task %q in status %q requires an assigned agent", t.ID, t.Status)
	}
	return nil
}
