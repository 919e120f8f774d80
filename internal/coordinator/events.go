// Package coordinator implements the Coordinator Facade: the component
// that owns every other subsystem (registry, scheduler, dependency graph,
// impact analyzer, health monitor, messaging plane, and the optional
// snapshot/capability-index collaborators), runs their background loops,
// and exposes the external API surface described in §6.
package coordinator

import (
	"log/slog"
	"sync"

	"github.com/stricklysoft/agentcoord/internal/ids"
	"github.com/stricklysoft/agentcoord/internal/registry"
	"github.com/stricklysoft/agentcoord/internal/scheduler"
)

// Kind tags an Event's payload, one per lifecycle transition the
// original coordinator publishes to subscribers (design note: "prefer
// message-passing channels ... where one producer serves many
// consumers").
type Kind string

const (
	KindAgentRegistered        Kind = "AgentRegistered"
	KindAgentUnregistered      Kind = "AgentUnregistered"
	KindAgentStatusChanged     Kind = "AgentStatusChanged"
	KindAgentHealthChanged     Kind = "AgentHealthChanged"
	KindTaskSubmitted          Kind = "TaskSubmitted"
	KindTaskAssigned           Kind = "TaskAssigned"
	KindTaskCompleted          Kind = "TaskCompleted"
	KindTaskFailed             Kind = "TaskFailed"
	KindConnectionStateChanged Kind = "ConnectionStateChanged"
	KindAgentOffline           Kind = "AgentOffline"
)

// Event is one lifecycle notification fanned out to every subscriber.
// Only the fields relevant to Kind are populated; the rest hold zero
// values.
type Event struct {
	Kind      Kind
	AgentID   ids.AgentID
	Agent     *registry.Record
	Task      *scheduler.Task
	OldStatus ids.AgentStatus
	NewStatus ids.AgentStatus
	OldHealth ids.Health
	NewHealth ids.Health
	OldConn   ids.ConnectionState
	NewConn   ids.ConnectionState
}

// defaultSubscriberBuffer bounds each subscriber channel; a subscriber
// that falls this far behind misses each newly published event until it
// drains its buffer, rather than stalling the publishing goroutine.
const defaultSubscriberBuffer = 256

// EventBus is a small in-process pub/sub over buffered Go channels: one
// producer (the coordinator's own subsystems, via this type satisfying
// their respective EventPublisher interfaces) serving many consumers. It
// implements registry.EventPublisher, scheduler.EventPublisher,
// messaging.ConnectionPublisher, and healthmon.StatusPublisher, so a
// single bus instance wires every subsystem's events into one place.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	bufferSize  int
	logger      *slog.Logger
}

// NewEventBus constructs an EventBus. bufferSize <= 0 falls back to
// defaultSubscriberBuffer.
func NewEventBus(bufferSize int, logger *slog.Logger) *EventBus {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		subscribers: make(map[chan Event]struct{}),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a new listener and returns its channel. Callers
// must eventually call Unsubscribe to release it.
func (b *EventBus) Subscribe() <-chan Event {
	ch := make(chan Event, b.bufferSize)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (b *EventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subscribers {
		if c == ch {
			delete(b.subscribers, c)
			close(c)
			return
		}
	}
}

// publish fans ev out to every subscriber without blocking: a full
// subscriber buffer drops the event for that subscriber rather than
// stalling the caller, which is always one of the owned subsystems'
// mutation paths.
func (b *EventBus) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("coordinator: dropped event for slow subscriber", "kind", string(ev.Kind))
		}
	}
}

// The following methods satisfy internal/registry's EventPublisher.

func (b *EventBus) PublishAgentRegistered(rec registry.Record) {
	b.publish(Event{Kind: KindAgentRegistered, AgentID: rec.ID, Agent: &rec})
}

func (b *EventBus) PublishAgentUnregistered(id ids.AgentID) {
	b.publish(Event{Kind: KindAgentUnregistered, AgentID: id})
}

func (b *EventBus) PublishAgentStatusChanged(id ids.AgentID, old, new ids.AgentStatus) {
	b.publish(Event{Kind: KindAgentStatusChanged, AgentID: id, OldStatus: old, NewStatus: new})
}

func (b *EventBus) PublishAgentHealthChanged(id ids.AgentID, old, new ids.Health) {
	b.publish(Event{Kind: KindAgentHealthChanged, AgentID: id, OldHealth: old, NewHealth: new})
}

// The following methods satisfy internal/scheduler's EventPublisher.

func (b *EventBus) PublishTaskSubmitted(t scheduler.Task) {
	b.publish(Event{Kind: KindTaskSubmitted, AgentID: "", Task: &t})
}

func (b *EventBus) PublishTaskAssigned(t scheduler.Task) {
	b.publish(Event{Kind: KindTaskAssigned, Task: &t})
}

func (b *EventBus) PublishTaskCompleted(t scheduler.Task) {
	b.publish(Event{Kind: KindTaskCompleted, Task: &t})
}

func (b *EventBus) PublishTaskFailed(t scheduler.Task) {
	b.publish(Event{Kind: KindTaskFailed, Task: &t})
}

// The following methods satisfy internal/messaging's ConnectionPublisher.

func (b *EventBus) PublishConnectionStateChanged(id ids.AgentID, old, new ids.ConnectionState) {
	b.publish(Event{Kind: KindConnectionStateChanged, AgentID: id, OldConn: old, NewConn: new})
}

func (b *EventBus) PublishAgentOffline(id ids.AgentID) {
	b.publish(Event{Kind: KindAgentOffline, AgentID: id})
}

// PublishHealthChanged satisfies internal/healthmon's StatusPublisher.
// It is distinct from PublishAgentHealthChanged (registry's health
// events reflect the *stored* health field; this reflects the health
// monitor's own hysteresis-adjusted probe result). Both publish a
// KindAgentHealthChanged event; this one does not write the result back
// into the registry record.
func (b *EventBus) PublishHealthChanged(id ids.AgentID, old, new ids.Health) {
	b.publish(Event{Kind: KindAgentHealthChanged, AgentID: id, OldHealth: old, NewHealth: new})
}
