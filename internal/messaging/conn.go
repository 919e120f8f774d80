package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stricklysoft/agentcoord/internal/ids"
	sserr "github.com/stricklysoft/agentcoord/pkg/errors"
)

// DefaultPingInterval and DefaultSendTimeout match §4.6 and §5's defaults.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultSendTimeout  = 10 * time.Second
	outboundQueueDepth  = 64
)

// stream abstracts the bidirectional Frame stream so Connection works
// identically against the real gRPC stream and an in-memory test double.
type stream interface {
	Send(*Frame) error
	Recv() (*Frame, error)
}

// Handler processes a single inbound envelope for a connection. It must
// not block for longer than is reasonable for one message; long work
// should be hand off to the coordinator's own worker queues.
type Handler func(ctx context.Context, conn *Connection, env Envelope)

// Connection tracks one messaging-plane session with a single agent:
// its FSM state, outbound queue, and heartbeat bookkeeping. A
// Connection is reused across a Disconnected → Reconnecting →
// Connected cycle; SessionID changes on every successful (re)connect.
type Connection struct {
	AgentID ids.AgentID

	mu                sync.Mutex
	session           ids.SessionID
	state             ids.ConnectionState
	stream            stream
	outbound          chan Envelope
	missedPongs       int
	lastPingSentAt    time.Time
	reconnectAttempt  int
	reconnectDeadline time.Time

	tracer  trace.Tracer
	logger  *slog.Logger
	handler Handler

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(agentID ids.AgentID, tracer trace.Tracer, logger *slog.Logger, handler Handler) *Connection {
	return &Connection{
		AgentID:  agentID,
		state:    ids.ConnectionConnecting,
		outbound: make(chan Envelope, outboundQueueDepth),
		tracer:   tracer,
		logger:   logger,
		handler:  handler,
		done:     make(chan struct{}),
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ids.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves the connection's FSM state, rejecting moves the
// state machine does not permit. Terminal reconnect exhaustion is
// handled by the caller via markOffline, not through this method.
func (c *Connection) transition(to ids.ConnectionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ids.ValidConnectionTransition(c.state, to) {
		return false
	}
	c.state = to
	return true
}

// attach binds a freshly-(re)established stream to the connection,
// assigns a new session ID, and resets heartbeat bookkeeping.
func (c *Connection) attach(s stream) {
	c.mu.Lock()
	c.stream = s
	c.session = ids.NewSessionID()
	c.missedPongs = 0
	c.reconnectAttempt = 0
	c.mu.Unlock()
}

// Session returns the current session ID, distinct from AgentID across
// reconnects.
func (c *Connection) Session() ids.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Enqueue places an envelope on the connection's bounded outbound
// queue, suspending only until ctx is done or the per-message send
// timeout elapses, whichever first signals backpressure.
func (c *Connection) Enqueue(ctx context.Context, env Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultSendTimeout)
	defer cancel()
	select {
	case c.outbound <- env:
		return nil
	case <-ctx.Done():
		return sserr.Timeout("messaging: send timed out waiting for outbound queue capacity")
	case <-c.done:
		return sserr.Unavailable("messaging: connection closed")
	}
}

// runWriter drains the outbound queue onto the attached stream until
// the connection closes or the stream errors.
func (c *Connection) runWriter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case env := <-c.outbound:
			frame, err := EncodeFrame(env)
			if err != nil {
				c.logger.ErrorContext(ctx, "messaging: failed to encode outbound envelope",
					"agent_id", string(c.AgentID), "error", err)
				continue
			}
			c.mu.Lock()
			s := c.stream
			c.mu.Unlock()
			if s == nil {
				return errors.New("messaging: no attached stream")
			}
			if err := s.Send(&frame); err != nil {
				return err
			}
		}
	}
}

// runReader pulls frames off the attached stream, decodes them, and
// dispatches them to handler — answering Ping with Pong inline and
// recording Pong receipt against the outstanding ping, without
// blocking on the handler for transport-critical control messages.
func (c *Connection) runReader(ctx context.Context) error {
	for {
		c.mu.Lock()
		s := c.stream
		c.mu.Unlock()
		if s == nil {
			return errors.New("messaging: no attached stream")
		}

		frame, err := s.Recv()
		if err != nil {
			return err
		}
		env, decErr := DecodeFrame(*frame)
		if decErr != nil {
			c.logger.WarnContext(ctx, "messaging: dropped undecodable frame",
				"agent_id", string(c.AgentID), "error", decErr)
			continue
		}

		switch env.Type {
		case KindPing:
			var ping PingPayload
			_ = env.DecodePayload(&ping)
			pong, err := NewEnvelope(c.AgentID, nil, KindPong, PongPayload{SentAt: ping.SentAt}, ping.SentAt.Time)
			if err == nil {
				_ = c.Enqueue(ctx, pong)
			}
		case KindPong:
			c.mu.Lock()
			c.missedPongs = 0
			c.mu.Unlock()
		default:
			if c.handler != nil {
				_, span := c.tracer.Start(ctx, "messaging.dispatch",
					trace.WithAttributes(
						attribute.String("agent.id", string(c.AgentID)),
						attribute.String("envelope.type", string(env.Type)),
					))
				c.handler(ctx, c, env)
				span.End()
			}
		}
	}
}

// sendPing emits a Ping envelope and increments the missed-pong
// counter; a subsequent Pong resets it via runReader. Returns the
// current missed-pong count including this attempt.
func (c *Connection) sendPing(ctx context.Context, now time.Time) int {
	ping, err := NewEnvelope(c.AgentID, nil, KindPing, PingPayload{SentAt: NewWireTime(now)}, now)
	if err != nil {
		return 0
	}
	_ = c.Enqueue(ctx, ping)

	c.mu.Lock()
	c.missedPongs++
	c.lastPingSentAt = now
	n := c.missedPongs
	c.mu.Unlock()
	return n
}

// close tears down the connection's goroutine-visible done channel.
// Safe to call multiple times.
func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
