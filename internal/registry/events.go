package registry

import "github.com/stricklysoft/agentcoord/internal/ids"

// EventPublisher receives registry lifecycle events. The coordinator's
// event bus implements this interface; tests may supply a recording stub.
// Publish calls must not block — implementations that fan out to slow
// subscribers should do so on a buffered channel internally.
type EventPublisher interface {
	PublishAgentRegistered(rec Record)
	PublishAgentUnregistered(id ids.AgentID)
	PublishAgentStatusChanged(id ids.AgentID, old, new ids.AgentStatus)
	PublishAgentHealthChanged(id ids.AgentID, old, new ids.Health)
}

// noopPublisher discards every event. Used when a Registry is constructed
// without an explicit publisher (e.g., in unit tests).
type noopPublisher struct{}

func (noopPublisher) PublishAgentRegistered(Record)                          {}
func (noopPublisher) PublishAgentUnregistered(ids.AgentID)                   {}
func (noopPublisher) PublishAgentStatusChanged(ids.AgentID, ids.AgentStatus, ids.AgentStatus) {}
func (noopPublisher) PublishAgentHealthChanged(ids.AgentID, ids.Health, ids.Health)           {}
