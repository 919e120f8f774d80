package messaging

import (
	"context"
	"time"

	"github.com/stricklysoft/agentcoord/internal/ids"
	"github.com/stricklysoft/agentcoord/pkg/clients/redis"
)

// presenceKeyPrefix namespaces presence keys in the shared Redis
// keyspace from other platform services.
const presenceKeyPrefix = "agentcoord:presence:"

// DefaultPresenceTTL is how long a presence key survives without being
// refreshed before Redis expires it — set comfortably above
// DefaultPingInterval so a single missed refresh cycle does not cause a
// spurious expiry while the connection is still healthy.
const DefaultPresenceTTL = 90 * time.Second

// Presence tracks which agents are currently connected to this
// coordinator instance in Redis, so a horizontally-scaled deployment
// can answer "is agent X connected, and to which coordinator replica"
// without every replica holding every other replica's in-memory Hub
// state. Bounded per-connection outbound backlogs for agents that are
// temporarily unreachable are modeled as Redis lists, capped at
// maxQueueDepth entries.
type Presence struct {
	client        *redis.Client
	replicaID     string
	ttl           time.Duration
	maxQueueDepth int64
}

// NewPresence constructs a Presence tracker bound to client, tagging
// every key this coordinator replica owns with replicaID.
func NewPresence(client *redis.Client, replicaID string) *Presence {
	return &Presence{client: client, replicaID: replicaID, ttl: DefaultPresenceTTL, maxQueueDepth: outboundQueueDepth}
}

func presenceKey(id ids.AgentID) string { return presenceKeyPrefix + string(id) }
func queueKey(id ids.AgentID) string    { return presenceKeyPrefix + string(id) + ":queue" }

// MarkOnline records that id is connected to this replica, refreshing
// the presence TTL.
func (p *Presence) MarkOnline(ctx context.Context, id ids.AgentID) error {
	return p.client.Set(ctx, presenceKey(id), p.replicaID, p.ttl)
}

// MarkOffline clears id's presence entry immediately, rather than
// waiting for the TTL to lapse, so a clean disconnect is reflected
// without delay.
func (p *Presence) MarkOffline(ctx context.Context, id ids.AgentID) error {
	_, err := p.client.Del(ctx, presenceKey(id))
	return err
}

// Owner returns the replica ID currently claiming id, or "" if no
// replica has marked it online (or its presence entry expired).
func (p *Presence) Owner(ctx context.Context, id ids.AgentID) (string, error) {
	return p.client.Get(ctx, presenceKey(id))
}

// Refresh re-extends the presence TTL for a still-connected agent; the
// heartbeat scanner calls this once per successful ping/pong round trip
// so a live connection never silently expires out of presence.
func (p *Presence) Refresh(ctx context.Context, id ids.AgentID) error {
	_, err := p.client.Expire(ctx, presenceKey(id), p.ttl)
	return err
}

// EnqueuePending appends a frame to id's durable offline backlog,
// trimming the oldest entry first once the backlog reaches
// maxQueueDepth — a best-effort buffer for messages sent while an
// agent is between connections, not a substitute for application-level
// idempotency on redelivery.
func (p *Presence) EnqueuePending(ctx context.Context, id ids.AgentID, frame Frame) error {
	if n, err := p.client.LLen(ctx, queueKey(id)); err == nil && n >= p.maxQueueDepth {
		// Drop the oldest entry to keep the backlog bounded. The client
		// wrapper exposes no LTRIM, so this is a read-drop-rewrite rather
		// than a single atomic trim; acceptable for a best-effort backlog.
		remaining, rangeErr := p.client.LRange(ctx, queueKey(id), 1, -1)
		if rangeErr == nil {
			if _, err := p.client.Del(ctx, queueKey(id)); err != nil {
				return err
			}
			for _, entry := range remaining {
				if _, err := p.client.RPush(ctx, queueKey(id), entry); err != nil {
					return err
				}
			}
		}
	}
	_, err := p.client.RPush(ctx, queueKey(id), string(frame))
	return err
}

// DrainPending returns and clears every backlogged frame for id,
// replayed by the hub once the agent reconnects.
func (p *Presence) DrainPending(ctx context.Context, id ids.AgentID) ([]Frame, error) {
	raw, err := p.client.LRange(ctx, queueKey(id), 0, -1)
	if err != nil {
		return nil, err
	}
	if _, err := p.client.Del(ctx, queueKey(id)); err != nil {
		return nil, err
	}
	frames := make([]Frame, len(raw))
	for i, s := range raw {
		frames[i] = Frame(s)
	}
	return frames, nil
}
