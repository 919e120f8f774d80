// Package messaging implements the real-time messaging plane: the framed,
// bidirectional transport that carries registration, heartbeats, task
// assignment, completion/failure, and custom events between the
// coordinator and connected agents.
package messaging

import (
	"encoding/json"
	"time"

	"github.com/stricklysoft/agentcoord/internal/ids"
)

// Kind tags an Envelope's payload, mirroring the wire enum.
type Kind string

const (
	KindAgentRegister     Kind = "AgentRegister"
	KindAgentHeartbeat    Kind = "AgentHeartbeat"
	KindTaskAssign        Kind = "TaskAssign"
	KindTaskComplete      Kind = "TaskComplete"
	KindTaskFail          Kind = "TaskFail"
	KindAgentStatusUpdate Kind = "AgentStatusUpdate"
	KindAgentHealthUpdate Kind = "AgentHealthUpdate"
	KindEvent             Kind = "Event"
	KindPing              Kind = "Ping"
	KindPong              Kind = "Pong"
	KindError             Kind = "Error"
	KindCustom            Kind = "Custom"
)

// wireTimeLayout matches RFC 3339 UTC with millisecond precision, per the
// wire format: "<RFC3339-UTC>".
const wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// WireTime wraps time.Time to marshal/unmarshal with millisecond-precision
// RFC 3339 UTC, matching the envelope schema's timestamp format exactly.
type WireTime struct {
	time.Time
}

func NewWireTime(t time.Time) WireTime { return WireTime{t.UTC()} }

func (t WireTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(wireTimeLayout))
}

func (t *WireTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(wireTimeLayout, s)
	if err != nil {
		// Fall back to plain RFC 3339 for peers that omit milliseconds.
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// Envelope is the wire message exchanged on every messaging plane
// connection. A nil Target means the message is a broadcast. Unknown
// fields encountered on read are preserved in Extra and re-emitted on
// echo, per the wire format's "unknown fields are ignored on read,
// preserved on echo" rule.
type Envelope struct {
	ID        ids.MessageID   `json:"id"`
	Source    ids.AgentID     `json:"source"`
	Target    *ids.AgentID    `json:"target"`
	Timestamp WireTime        `json:"timestamp"`
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`

	// Extra carries any JSON object fields this type does not declare,
	// so a round trip through Decode/Encode reproduces them unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownFields lists the envelope's declared JSON keys, used to separate
// Extra from the declared fields during decode/encode.
var knownFields = map[string]bool{
	"id": true, "source": true, "target": true, "timestamp": true,
	"type": true, "payload": true, "metadata": true,
}

// IsBroadcast reports whether the envelope has no specific recipient.
func (e Envelope) IsBroadcast() bool { return e.Target == nil }

// NewEnvelope builds an envelope with a fresh message ID and the current
// time, for the common case of originating a new message rather than
// echoing one.
func NewEnvelope(source ids.AgentID, target *ids.AgentID, kind Kind, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:        ids.NewMessageID(),
		Source:    source,
		Target:    target,
		Timestamp: NewWireTime(now),
		Type:      kind,
		Payload:   raw,
	}, nil
}

// Encode serializes the envelope to its wire JSON representation,
// re-emitting any unrecognized fields captured in Extra.
func (e Envelope) Encode() ([]byte, error) {
	m := map[string]json.RawMessage{}
	for k, v := range e.Extra {
		m[k] = v
	}

	idJSON, err := json.Marshal(e.ID)
	if err != nil {
		return nil, err
	}
	m["id"] = idJSON

	sourceJSON, err := json.Marshal(e.Source)
	if err != nil {
		return nil, err
	}
	m["source"] = sourceJSON

	targetJSON, err := json.Marshal(e.Target)
	if err != nil {
		return nil, err
	}
	m["target"] = targetJSON

	tsJSON, err := json.Marshal(e.Timestamp)
	if err != nil {
		return nil, err
	}
	m["timestamp"] = tsJSON

	typeJSON, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	m["type"] = typeJSON

	if e.Payload != nil {
		m["payload"] = e.Payload
	}
	if e.Metadata != nil {
		metaJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, err
		}
		m["metadata"] = metaJSON
	}

	return json.Marshal(m)
}

// DecodeEnvelope parses a single framed message body into an Envelope,
// stashing any field this type does not declare into Extra.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, err
	}

	var e Envelope
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &e.ID); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := raw["source"]; ok {
		if err := json.Unmarshal(v, &e.Source); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := raw["target"]; ok {
		if err := json.Unmarshal(v, &e.Target); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := raw["timestamp"]; ok {
		if err := json.Unmarshal(v, &e.Timestamp); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &e.Type); err != nil {
			return Envelope{}, err
		}
	}
	if v, ok := raw["payload"]; ok {
		e.Payload = append(json.RawMessage(nil), v...)
	}
	if v, ok := raw["metadata"]; ok {
		if err := json.Unmarshal(v, &e.Metadata); err != nil {
			return Envelope{}, err
		}
	}

	extra := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		if !knownFields[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		e.Extra = extra
	}
	return e, nil
}

// DecodePayload unmarshals the envelope's payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// PingPayload and PongPayload carry the heartbeat timestamp that must
// match exactly between a Ping and its echoed Pong.
type PingPayload struct {
	SentAt WireTime `json:"sent_at"`
}

type PongPayload struct {
	SentAt WireTime `json:"sent_at"`
}

// ErrorPayload is the wire shape for Kind Error envelopes.
type ErrorPayload struct {
	Error string `json:"error"`
}

// CustomPayload wraps an application-defined event type and data blob.
type CustomPayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}
