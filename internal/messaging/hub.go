package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/stricklysoft/agentcoord/internal/ids"
	"github.com/stricklysoft/agentcoord/pkg/auth"
	sserr "github.com/stricklysoft/agentcoord/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/stricklysoft/agentcoord/internal/messaging"

// ConnectionPublisher receives connection-state transitions and agent
// offline notices so the registry/health monitor can react.
type ConnectionPublisher interface {
	PublishConnectionStateChanged(id ids.AgentID, old, new ids.ConnectionState)
	PublishAgentOffline(id ids.AgentID)
}

type noopConnectionPublisher struct{}

func (noopConnectionPublisher) PublishConnectionStateChanged(ids.AgentID, ids.ConnectionState, ids.ConnectionState) {
}
func (noopConnectionPublisher) PublishAgentOffline(ids.AgentID) {}

// HubConfig holds the messaging plane's tunables.
type HubConfig struct {
	PingInterval time.Duration
	Backoff      BackoffConfig
}

func DefaultHubConfig() HubConfig {
	return HubConfig{PingInterval: DefaultPingInterval, Backoff: DefaultBackoff()}
}

// Hub is the coordinator side of the messaging plane: it accepts one
// gRPC bidirectional stream per agent connection, tracks each
// connection's lifecycle, runs the heartbeat scanner, and exposes
// broadcast/unicast send operations. It implements MessagingServer.
type Hub struct {
	cfg       HubConfig
	handler   Handler
	publisher ConnectionPublisher
	presence  *Presence

	mu    sync.RWMutex
	conns map[ids.AgentID]*Connection

	logger *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// HubOption configures a Hub at construction time.
type HubOption func(*Hub)

func WithConnectionPublisher(p ConnectionPublisher) HubOption {
	return func(h *Hub) { h.publisher = p }
}
func WithHubLogger(l *slog.Logger) HubOption { return func(h *Hub) { h.logger = l } }
func WithPresence(p *Presence) HubOption     { return func(h *Hub) { h.presence = p } }
func WithClock(clock func() time.Time) HubOption {
	return func(h *Hub) { h.clock = clock }
}

// NewHub constructs a Hub. handler processes every non-control envelope
// received on any connection.
func NewHub(cfg HubConfig, handler Handler, opts ...HubOption) *Hub {
	h := &Hub{
		cfg:       cfg,
		handler:   handler,
		publisher: noopConnectionPublisher{},
		conns:     make(map[ids.AgentID]*Connection),
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		clock:     time.Now,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect implements MessagingServer. It is invoked once per incoming
// gRPC stream; the connecting agent's identity must already be present
// on ctx via the pkg/auth gRPC server interceptor (IdentityTypeAgent).
func (h *Hub) Connect(s ConnectServerStream) error {
	ctx := s.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity.Type() != auth.IdentityTypeAgent {
		return sserr.Unauthorized("messaging: connect requires an agent identity")
	}
	agentID := ids.AgentID(identity.ID())

	conn := h.register(agentID, s)
	defer h.unregisterStream(agentID, conn)

	if h.presence != nil {
		_ = h.presence.MarkOnline(ctx, agentID)
		h.replayPending(ctx, agentID, conn)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- conn.runReader(ctx) }()
	go func() { errCh <- conn.runWriter(ctx) }()

	select {
	case err := <-errCh:
		conn.transition(ids.ConnectionError)
		h.publisher.PublishConnectionStateChanged(agentID, ids.ConnectionConnected, ids.ConnectionError)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// register finds or creates the Connection for agentID and attaches the
// new stream, transitioning Connecting→Connected (or re-attaching after
// Reconnecting).
func (h *Hub) register(agentID ids.AgentID, s stream) *Connection {
	h.mu.Lock()
	conn, exists := h.conns[agentID]
	if !exists {
		conn = newConnection(agentID, h.tracer, h.logger, h.handler)
		h.conns[agentID] = conn
	}
	h.mu.Unlock()

	old := conn.State()
	conn.attach(s)
	if conn.transition(ids.ConnectionConnected) {
		h.publisher.PublishConnectionStateChanged(agentID, old, ids.ConnectionConnected)
	}
	return conn
}

// replayPending drains any frames buffered in the presence backlog while
// agentID was disconnected and re-enqueues them on its freshly
// (re)established connection, oldest first.
func (h *Hub) replayPending(ctx context.Context, agentID ids.AgentID, conn *Connection) {
	frames, err := h.presence.DrainPending(ctx, agentID)
	if err != nil {
		h.logger.WarnContext(ctx, "messaging: failed to drain pending frames",
			"agent_id", string(agentID), "error", err)
		return
	}
	for _, f := range frames {
		env, decErr := DecodeFrame(f)
		if decErr != nil {
			h.logger.WarnContext(ctx, "messaging: dropped undecodable pending frame",
				"agent_id", string(agentID), "error", decErr)
			continue
		}
		if err := conn.Enqueue(ctx, env); err != nil {
			h.logger.WarnContext(ctx, "messaging: failed to replay pending frame",
				"agent_id", string(agentID), "error", err)
		}
	}
}

func (h *Hub) unregisterStream(agentID ids.AgentID, conn *Connection) {
	conn.mu.Lock()
	conn.stream = nil
	conn.mu.Unlock()
	if h.presence != nil {
		_ = h.presence.MarkOffline(context.Background(), agentID)
	}
}

// Unicast sends env to exactly the connected agent named by target. If
// the agent is unknown or not currently connected and a presence
// tracker is configured, the envelope is buffered in its offline
// backlog and replayed on its next reconnect instead of failing fast.
func (h *Hub) Unicast(ctx context.Context, target ids.AgentID, env Envelope) error {
	h.mu.RLock()
	conn, ok := h.conns[target]
	h.mu.RUnlock()

	if ok && conn.State() == ids.ConnectionConnected {
		return conn.Enqueue(ctx, env)
	}
	if h.presence != nil {
		frame, err := EncodeFrame(env)
		if err != nil {
			return err
		}
		return h.presence.EnqueuePending(ctx, target, frame)
	}
	if !ok {
		return sserr.NotFoundf("messaging: agent %s has no connection", target)
	}
	return sserr.Unavailable("messaging: agent " + string(target) + " is not connected")
}

// Broadcast fans env out to every connected agent. Per-connection
// failures are logged, not aborted: a broadcast completes even if some
// recipients are unreachable.
func (h *Hub) Broadcast(ctx context.Context, env Envelope) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		if conn.State() == ids.ConnectionConnected {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Enqueue(ctx, env); err != nil {
			h.logger.WarnContext(ctx, "messaging: broadcast send failed for one recipient",
				"agent_id", string(conn.AgentID), "error", err)
		}
	}
}

// ConnectionState reports the tracked lifecycle state for an agent's
// connection, or ids.ConnectionState("") if unknown.
func (h *Hub) ConnectionState(id ids.AgentID) (ids.ConnectionState, bool) {
	h.mu.RLock()
	conn, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return "", false
	}
	return conn.State(), true
}

// Run starts the heartbeat scanner: every PingInterval it pings every
// connected agent, and demotes connections that have missed two
// consecutive pongs to Error, then Reconnecting with backoff tracking.
// When a connection exhausts its reconnect attempts the agent is
// reported offline and dropped from the hub.
func (h *Hub) Run(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.scanOnce(ctx)
		}
	}
}

func (h *Hub) scanOnce(ctx context.Context) {
	h.mu.RLock()
	snapshot := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		snapshot = append(snapshot, conn)
	}
	h.mu.RUnlock()

	now := h.clock()
	for _, conn := range snapshot {
		switch conn.State() {
		case ids.ConnectionConnected:
			missed := conn.sendPing(ctx, now)
			if missed >= 2 {
				h.demote(ctx, conn, now)
			} else if h.presence != nil {
				_ = h.presence.Refresh(ctx, conn.AgentID)
			}
		case ids.ConnectionReconnecting:
			h.checkReconnectDeadline(ctx, conn, now)
		}
	}
}

// demote reacts to two consecutive missed pongs on a Connected
// connection: it moves to Error then immediately to Reconnecting
// (per §4.6, these happen together — the wire's "next observed state"
// is Reconnecting), arming the first backoff deadline. The hub does
// not dial out itself; it waits for the agent's own reconnect attempt
// to arrive as a new Connect stream within that deadline.
func (h *Hub) demote(ctx context.Context, conn *Connection, now time.Time) {
	old := conn.State()
	if !conn.transition(ids.ConnectionError) {
		return
	}
	h.publisher.PublishConnectionStateChanged(conn.AgentID, old, ids.ConnectionError)

	conn.mu.Lock()
	conn.reconnectAttempt = 1
	attempt := conn.reconnectAttempt
	conn.mu.Unlock()

	if attempt > h.cfg.Backoff.MaxRetries {
		h.abandon(ctx, conn)
		return
	}
	if conn.transition(ids.ConnectionReconnecting) {
		h.publisher.PublishConnectionStateChanged(conn.AgentID, ids.ConnectionError, ids.ConnectionReconnecting)
	}
	conn.mu.Lock()
	conn.reconnectDeadline = now.Add(h.cfg.Backoff.Delay(attempt, nil))
	conn.mu.Unlock()
}

// checkReconnectDeadline advances the backoff schedule for a
// connection still waiting on its agent to reappear. If the agent has
// not reconnected by the armed deadline, that counts as one exhausted
// reconnect attempt; once the attempt count exceeds the configured
// maximum the connection is abandoned and the agent reported offline.
func (h *Hub) checkReconnectDeadline(ctx context.Context, conn *Connection, now time.Time) {
	conn.mu.Lock()
	deadline := conn.reconnectDeadline
	if now.Before(deadline) {
		conn.mu.Unlock()
		return
	}
	conn.reconnectAttempt++
	attempt := conn.reconnectAttempt
	conn.mu.Unlock()

	if attempt > h.cfg.Backoff.MaxRetries {
		h.abandon(ctx, conn)
		return
	}
	conn.mu.Lock()
	conn.reconnectDeadline = now.Add(h.cfg.Backoff.Delay(attempt, nil))
	conn.mu.Unlock()
}

func (h *Hub) abandon(ctx context.Context, conn *Connection) {
	h.mu.Lock()
	delete(h.conns, conn.AgentID)
	h.mu.Unlock()
	conn.close()
	h.publisher.PublishAgentOffline(conn.AgentID)
	h.logger.WarnContext(ctx, "messaging: abandoning connection after exhausting reconnect attempts",
		"agent_id", string(conn.AgentID))
}

// Stop signals the heartbeat scanner to exit and waits for it to
// return. It does not close individual connections; callers that want
// a full drain should also cancel the context passed to Run and to
// every live Connect call.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

var _ MessagingServer = (*Hub)(nil)
