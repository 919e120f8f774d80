// Package ids defines the strong identifier and small value types shared
// across the coordination engine: agent, task, session, and message IDs,
// capability tags, and the status/health enumerations from the agent and
// task records.
//
// Keeping these types in a leaf package with no dependency on registry,
// scheduler, or graph logic lets every other package import them without
// creating import cycles.
package ids

import "github.com/google/uuid"

// AgentID uniquely identifies a registered agent. Agent IDs are opaque
// strings supplied by the caller at registration time; the coordinator
// never generates them itself.
type AgentID string

// String returns the string representation of the agent ID.
func (id AgentID) String() string { return string(id) }

// TaskID uniquely identifies a submitted task.
type TaskID string

// String returns the string representation of the task ID.
func (id TaskID) String() string { return string(id) }

// NewTaskID generates a fresh, randomly-assigned task ID. Callers that
// want idempotent submission should supply their own ID instead.
func NewTaskID() TaskID {
	return TaskID(uuid.New().String())
}

// MessageID uniquely identifies a single envelope on the messaging plane.
// Message IDs are the basis for deduplication across reconnects.
type MessageID string

// String returns the string representation of the message ID.
func (id MessageID) String() string { return string(id) }

// NewMessageID generates a fresh, randomly-assigned message ID.
func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// SessionID identifies a single transport connection between the
// coordinator and an agent, distinct from the agent's own identity
// across reconnects.
type SessionID string

// String returns the string representation of the session ID.
func (id SessionID) String() string { return string(id) }

// NewSessionID generates a fresh, randomly-assigned session ID.
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}
