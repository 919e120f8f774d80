package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stricklysoft/agentcoord/internal/ids"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	target := ids.AgentID("agent-2")
	env, err := NewEnvelope(ids.AgentID("agent-1"), &target, KindAgentHeartbeat,
		map[string]any{"load": 0.5}, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	env.Metadata = map[string]any{"trace": "abc"}

	encoded, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)

	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Source, decoded.Source)
	require.NotNil(t, decoded.Target)
	assert.Equal(t, *env.Target, *decoded.Target)
	assert.Equal(t, env.Type, decoded.Type)
	assert.True(t, env.Timestamp.Equal(decoded.Timestamp.Time))
	assert.Equal(t, "abc", decoded.Metadata["trace"])
}

func TestEnvelope_BroadcastHasNilTarget(t *testing.T) {
	env, err := NewEnvelope(ids.AgentID("agent-1"), nil, KindPing, PingPayload{}, time.Now())
	require.NoError(t, err)
	assert.True(t, env.IsBroadcast())
}

func TestEnvelope_UnknownFieldsPreservedOnEcho(t *testing.T) {
	raw := `{"id":"m1","source":"a1","target":null,"timestamp":"2025-01-01T00:00:00.000Z","type":"Custom","payload":{},"future_field":"keep-me"}`
	env, err := DecodeEnvelope([]byte(raw))
	require.NoError(t, err)
	require.Contains(t, env.Extra, "future_field")

	reencoded, err := env.Encode()
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(reencoded, &m))
	assert.Contains(t, m, "future_field")
}

func TestEnvelope_PongTimestampMatchesPing(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ping, err := NewEnvelope(ids.AgentID("coordinator"), nil, KindPing, PingPayload{SentAt: NewWireTime(now)}, now)
	require.NoError(t, err)

	var pingPayload PingPayload
	require.NoError(t, ping.DecodePayload(&pingPayload))

	pong, err := NewEnvelope(ids.AgentID("agent-1"), nil, KindPong, PongPayload{SentAt: pingPayload.SentAt}, now)
	require.NoError(t, err)

	var pongPayload PongPayload
	require.NoError(t, pong.DecodePayload(&pongPayload))
	assert.True(t, pingPayload.SentAt.Equal(pongPayload.SentAt.Time))
}

func TestWireTime_MillisecondPrecisionRFC3339(t *testing.T) {
	now := time.Date(2025, 3, 4, 5, 6, 7, 890000000, time.UTC)
	wt := NewWireTime(now)
	encoded, err := json.Marshal(wt)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), ".890Z")

	var decoded WireTime
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.True(t, now.Equal(decoded.Time))
}
