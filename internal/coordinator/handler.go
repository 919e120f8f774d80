package coordinator

import (
	"context"
	"encoding/json"

	"github.com/stricklysoft/agentcoord/internal/ids"
	"github.com/stricklysoft/agentcoord/internal/messaging"
	"github.com/stricklysoft/agentcoord/internal/registry"
)

// AgentRegisterPayload is the body of a KindAgentRegister envelope: an
// agent announcing itself over a freshly established connection.
type AgentRegisterPayload struct {
	Name         string               `json:"name"`
	Type         string               `json:"type"`
	Capabilities []string             `json:"capabilities"`
	Config       registry.AgentConfig `json:"config"`
}

// AgentStatusUpdatePayload is the body of a KindAgentStatusUpdate
// envelope: an agent reporting its own status transition.
type AgentStatusUpdatePayload struct {
	Status ids.AgentStatus `json:"status"`
}

// AgentHealthUpdatePayload is the body of a KindAgentHealthUpdate
// envelope: an agent self-reporting a health sample.
type AgentHealthUpdatePayload struct {
	Health ids.Health `json:"health"`
}

// TaskCompletePayload is the body of a KindTaskComplete envelope.
type TaskCompletePayload struct {
	TaskID ids.TaskID      `json:"task_id"`
	Result json.RawMessage `json:"result"`
}

// TaskFailPayload is the body of a KindTaskFail envelope.
type TaskFailPayload struct {
	TaskID ids.TaskID `json:"task_id"`
	Reason string     `json:"reason"`
}

// handleEnvelope dispatches an inbound frame from a connected agent to
// the corresponding coordinator operation. Ping/Pong are handled
// transparently inside Connection.runReader and never reach here.
// Errors are logged, not returned: the messaging plane has no
// per-message acknowledgement channel back to the sender other than a
// KindError reply, which is sent for payload decode failures and
// operation errors alike.
func (c *Coordinator) handleEnvelope(ctx context.Context, conn *messaging.Connection, env messaging.Envelope) {
	ctx, span := c.tracer.Start(ctx, "coordinator.handleEnvelope")
	defer span.End()

	switch env.Type {
	case messaging.KindAgentRegister:
		c.handleAgentRegister(ctx, conn, env)
	case messaging.KindAgentHeartbeat:
		c.handleAgentHeartbeat(ctx, env)
	case messaging.KindAgentStatusUpdate:
		c.handleAgentStatusUpdate(ctx, conn, env)
	case messaging.KindAgentHealthUpdate:
		c.handleAgentHealthUpdate(ctx, conn, env)
	case messaging.KindTaskComplete:
		c.handleTaskComplete(ctx, conn, env)
	case messaging.KindTaskFail:
		c.handleTaskFail(ctx, conn, env)
	default:
		c.logger.Debug("coordinator: ignoring unhandled envelope kind", "kind", string(env.Type), "source", string(env.Source))
	}
}

func (c *Coordinator) replyError(ctx context.Context, conn *messaging.Connection, msg string) {
	env, err := messaging.NewEnvelope(coordinatorSourceID, nil, messaging.KindError, messaging.ErrorPayload{Error: msg}, c.clock())
	if err != nil {
		c.logger.Error("coordinator: failed to build error envelope", "error", err)
		return
	}
	if err := conn.Enqueue(ctx, env); err != nil {
		c.logger.Warn("coordinator: failed to enqueue error reply", "error", err)
	}
}

// coordinatorSourceID is the coordinator's own synthetic source ID on
// frames it originates (error replies, task assignments). Agents never
// register under this ID.
const coordinatorSourceID ids.AgentID = "coordinator"

func (c *Coordinator) handleAgentRegister(ctx context.Context, conn *messaging.Connection, env messaging.Envelope) {
	var p AgentRegisterPayload
	if err := env.DecodePayload(&p); err != nil {
		c.replyError(ctx, conn, "malformed AgentRegister payload")
		return
	}
	rec := registry.Record{
		ID:           env.Source,
		Name:         p.Name,
		Type:         p.Type,
		Capabilities: ids.NewCapabilitySet(p.Capabilities...),
		Config:       p.Config,
	}
	if err := c.RegisterAgent(ctx, rec); err != nil {
		c.replyError(ctx, conn, err.Error())
	}
}

func (c *Coordinator) handleAgentHeartbeat(ctx context.Context, env messaging.Envelope) {
	if err := c.registry.Touch(env.Source, c.clock()); err != nil {
		c.logger.Debug("coordinator: heartbeat from unknown agent", "agent.id", env.Source, "error", err)
	}
}

func (c *Coordinator) handleAgentStatusUpdate(ctx context.Context, conn *messaging.Connection, env messaging.Envelope) {
	var p AgentStatusUpdatePayload
	if err := env.DecodePayload(&p); err != nil {
		c.replyError(ctx, conn, "malformed AgentStatusUpdate payload")
		return
	}
	if err := c.UpdateAgentState(ctx, env.Source, p.Status); err != nil {
		c.replyError(ctx, conn, err.Error())
	}
}

func (c *Coordinator) handleAgentHealthUpdate(ctx context.Context, conn *messaging.Connection, env messaging.Envelope) {
	var p AgentHealthUpdatePayload
	if err := env.DecodePayload(&p); err != nil {
		c.replyError(ctx, conn, "malformed AgentHealthUpdate payload")
		return
	}
	if err := c.registry.UpdateHealth(ctx, env.Source, p.Health); err != nil {
		c.replyError(ctx, conn, err.Error())
	}
}

func (c *Coordinator) handleTaskComplete(ctx context.Context, conn *messaging.Connection, env messaging.Envelope) {
	var p TaskCompletePayload
	if err := env.DecodePayload(&p); err != nil {
		c.replyError(ctx, conn, "malformed TaskComplete payload")
		return
	}
	if err := c.CompleteTask(ctx, p.TaskID, p.Result); err != nil {
		c.replyError(ctx, conn, err.Error())
	}
}

func (c *Coordinator) handleTaskFail(ctx context.Context, conn *messaging.Connection, env messaging.Envelope) {
	var p TaskFailPayload
	if err := env.DecodePayload(&p); err != nil {
		c.replyError(ctx, conn, "malformed TaskFail payload")
		return
	}
	if err := c.FailTask(ctx, p.TaskID, p.Reason); err != nil {
		c.replyError(ctx, conn, err.Error())
	}
}

// NotifyTaskAssigned sends a TaskAssign envelope to the assigned agent
// over the messaging plane, used after AssignTask succeeds.
func (c *Coordinator) NotifyTaskAssigned(ctx context.Context, agentID ids.AgentID, taskPayload json.RawMessage) error {
	env, err := messaging.NewEnvelope(coordinatorSourceID, &agentID, messaging.KindTaskAssign, json.RawMessage(taskPayload), c.clock())
	if err != nil {
		return err
	}
	return c.hub.Unicast(ctx, agentID, env)
}
