package messaging

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stricklysoft/agentcoord/internal/ids"
)

// fakeStream is an in-memory stream double standing in for a gRPC
// ConnectServerStream, so Hub logic can be exercised without a network.
type fakeStream struct {
	mu    sync.Mutex
	inbox chan *Frame
	sent  []Envelope
}

func newFakeStream() *fakeStream {
	return &fakeStream{inbox: make(chan *Frame, 16)}
}

func (f *fakeStream) Send(frame *Frame) error {
	env, err := DecodeFrame(*frame)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Recv() (*Frame, error) {
	frame, ok := <-f.inbox
	if !ok {
		return nil, errClosedStream
	}
	return frame, nil
}

func (f *fakeStream) push(t *testing.T, env Envelope) {
	t.Helper()
	frame, err := EncodeFrame(env)
	require.NoError(t, err)
	f.inbox <- &frame
}

func (f *fakeStream) sentEnvelopes() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestHub_RegisterTransitionsToConnected(t *testing.T) {
	h := NewHub(DefaultHubConfig(), nil)
	s := newFakeStream()
	conn := h.register(ids.AgentID("a1"), s)
	assert.Equal(t, ids.ConnectionConnected, conn.State())
}

func TestHub_UnicastRequiresConnectedAgent(t *testing.T) {
	h := NewHub(DefaultHubConfig(), nil)
	env, err := NewEnvelope(ids.AgentID("coordinator"), nil, KindEvent, nil, time.Now())
	require.NoError(t, err)

	err = h.Unicast(context.Background(), ids.AgentID("missing"), env)
	assert.Error(t, err)
}

func TestHub_UnicastDeliversToConnection(t *testing.T) {
	h := NewHub(DefaultHubConfig(), nil)
	s := newFakeStream()
	conn := h.register(ids.AgentID("a1"), s)

	go func() { _ = conn.runWriter(context.Background()) }()
	defer conn.close()

	target := ids.AgentID("a1")
	env, err := NewEnvelope(ids.AgentID("coordinator"), &target, KindTaskAssign, nil, time.Now())
	require.NoError(t, err)

	require.NoError(t, h.Unicast(context.Background(), ids.AgentID("a1"), env))

	require.Eventually(t, func() bool { return len(s.sentEnvelopes()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_BroadcastReachesAllConnected(t *testing.T) {
	h := NewHub(DefaultHubConfig(), nil)
	streams := map[ids.AgentID]*fakeStream{}
	for _, id := range []ids.AgentID{"a1", "a2", "a3"} {
		s := newFakeStream()
		streams[id] = s
		conn := h.register(id, s)
		go func(c *Connection) { _ = c.runWriter(context.Background()) }(conn)
	}

	env, err := NewEnvelope(ids.AgentID("coordinator"), nil, KindEvent, nil, time.Now())
	require.NoError(t, err)
	h.Broadcast(context.Background(), env)

	for id, s := range streams {
		require.Eventually(t, func() bool { return len(s.sentEnvelopes()) == 1 }, time.Second, 5*time.Millisecond, "agent %s", id)
	}
}

func TestConnection_EchoesPongForPing(t *testing.T) {
	s := newFakeStream()
	conn := newConnection(ids.AgentID("a1"), otel.Tracer(tracerName), slog.Default(), nil)
	conn.attach(s)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = conn.runWriter(ctx) }()
	readerDone := make(chan struct{})
	go func() {
		_ = conn.runReader(ctx)
		close(readerDone)
	}()
	defer func() { cancel(); <-readerDone }()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ping, err := NewEnvelope(ids.AgentID("coordinator"), nil, KindPing, PingPayload{SentAt: NewWireTime(now)}, now)
	require.NoError(t, err)
	s.push(t, ping)

	require.Eventually(t, func() bool { return len(s.sentEnvelopes()) == 1 }, time.Second, 5*time.Millisecond)
	pong := s.sentEnvelopes()[0]
	assert.Equal(t, KindPong, pong.Type)

	var payload PongPayload
	require.NoError(t, pong.DecodePayload(&payload))
	assert.True(t, payload.SentAt.Equal(now))
}

func TestHub_ScanOnceDemotesAfterTwoMissedPongs(t *testing.T) {
	h := NewHub(DefaultHubConfig(), nil)
	s := newFakeStream()
	conn := h.register(ids.AgentID("a1"), s)
	go func() { _ = conn.runWriter(context.Background()) }()
	defer conn.close()

	now := time.Now()
	h.scanOnce(context.Background())
	assert.Equal(t, ids.ConnectionConnected, conn.State(), "one missed pong does not demote")

	h.clock = func() time.Time { return now.Add(time.Minute) }
	h.scanOnce(context.Background())
	assert.Equal(t, ids.ConnectionReconnecting, conn.State())
}

func TestHub_AbandonsAfterMaxReconnectAttempts(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.Backoff.MaxRetries = 1
	pub := &recordingConnPublisher{}
	h := NewHub(cfg, nil, WithConnectionPublisher(pub))

	id := ids.AgentID("a1")
	s1 := newFakeStream()
	conn := h.register(id, s1)
	go func() { _ = conn.runWriter(context.Background()) }()

	start := time.Now()
	h.clock = func() time.Time { return start }

	// Two missed-pong scans demote Connected -> Error -> Reconnecting,
	// arming the first backoff deadline (reconnect attempt 1, within
	// MaxRetries=1).
	h.scanOnce(context.Background())
	h.scanOnce(context.Background())
	require.Equal(t, ids.ConnectionReconnecting, conn.State())

	// The agent never reappears within the backoff window: advancing
	// the clock past the deadline exhausts attempt 1, which already
	// exceeds MaxRetries, so the hub abandons the connection instead of
	// arming another deadline.
	h.clock = func() time.Time { return start.Add(time.Minute) }
	h.scanOnce(context.Background())

	pub.mu.Lock()
	offline := append([]ids.AgentID(nil), pub.offline...)
	pub.mu.Unlock()
	assert.Contains(t, offline, id)

	h.mu.RLock()
	_, stillTracked := h.conns[id]
	h.mu.RUnlock()
	assert.False(t, stillTracked)
}

func TestHub_UnicastBacklogsToPresenceWhenDisconnectedAndReplaysOnReconnect(t *testing.T) {
	p := newTestPresence(t)
	h := NewHub(DefaultHubConfig(), nil, WithPresence(p))
	ctx := context.Background()

	target := ids.AgentID("a1")
	env, err := NewEnvelope(ids.AgentID("coordinator"), &target, KindTaskAssign, nil, time.Now())
	require.NoError(t, err)

	// No connection is registered yet, so the send must buffer rather
	// than fail.
	require.NoError(t, h.Unicast(ctx, target, env))

	s := newFakeStream()
	conn := h.register(target, s)
	go func() { _ = conn.runWriter(context.Background()) }()
	defer conn.close()

	h.replayPending(ctx, target, conn)

	require.Eventually(t, func() bool { return len(s.sentEnvelopes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, KindTaskAssign, s.sentEnvelopes()[0].Type)
}

func TestHub_ScanOnceRefreshesPresenceForHealthyConnection(t *testing.T) {
	p := newTestPresence(t)
	h := NewHub(DefaultHubConfig(), nil, WithPresence(p))
	ctx := context.Background()

	id := ids.AgentID("a1")
	require.NoError(t, p.MarkOnline(ctx, id))

	s := newFakeStream()
	conn := h.register(id, s)
	go func() { _ = conn.runWriter(context.Background()) }()
	defer conn.close()

	h.scanOnce(ctx)

	owner, err := p.Owner(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "replica-1", owner)
}

type recordingConnPublisher struct {
	mu      sync.Mutex
	offline []ids.AgentID
}

func (p *recordingConnPublisher) PublishConnectionStateChanged(ids.AgentID, ids.ConnectionState, ids.ConnectionState) {
}

func (p *recordingConnPublisher) PublishAgentOffline(id ids.AgentID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = append(p.offline, id)
}

var errClosedStream = &streamClosedError{}

type streamClosedError struct{}

func (*streamClosedError) Error() string { return "messaging: fake stream closed" }
