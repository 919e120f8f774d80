package healthmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stricklysoft/agentcoord/internal/ids"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/stricklysoft/agentcoord/internal/healthmon"

// DefaultProbeInterval and DefaultProbeTimeout match §4.5's defaults.
const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Prober checks a single target's liveness, mirroring the client
// packages' `Health(ctx) error` convention (pkg/clients/redis,
// pkg/clients/postgres, etc.): nil means healthy, any error means the
// probe failed. A Prober may also collect a full Sample if it has richer
// metrics available; SampleProber is optional.
type Prober interface {
	Probe(ctx context.Context) error
}

// SampleProber additionally reports the raw metrics vector behind a
// probe result, for agents that expose resource usage in addition to
// simple liveness.
type SampleProber interface {
	Prober
	Sample(ctx context.Context) (Sample, error)
}

// StatusPublisher receives health transitions, implemented by
// EventPublisher-style consumers (e.g. the coordinator facade's event
// bus, which fans them out to subscribers).
type StatusPublisher interface {
	PublishHealthChanged(id ids.AgentID, old, new ids.Health)
}

type noopPublisher struct{}

func (noopPublisher) PublishHealthChanged(ids.AgentID, ids.Health, ids.Health) {}

type tracked struct {
	prober          Prober
	interval        time.Duration
	timeout         time.Duration
	consecutiveFail int
	status          ids.Health
}

// Monitor probes a set of registered agents on their configured
// intervals and maintains hysteresis-adjusted health status: three
// consecutive probe failures demote by one level, one success promotes
// by one level.
type Monitor struct {
	mu      sync.Mutex
	targets map[ids.AgentID]*tracked

	publisher StatusPublisher
	logger    *slog.Logger
	tracer    trace.Tracer

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

func WithPublisher(p StatusPublisher) Option { return func(m *Monitor) { m.publisher = p } }
func WithLogger(l *slog.Logger) Option       { return func(m *Monitor) { m.logger = l } }

// New constructs an empty Monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		targets:   make(map[ids.AgentID]*tracked),
		publisher: noopPublisher{},
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds (or replaces) the probe target for an agent. interval/
// timeout of zero fall back to the §4.5 defaults.
func (m *Monitor) Register(id ids.AgentID, prober Prober, interval, timeout time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[id] = &tracked{prober: prober, interval: interval, timeout: timeout, status: ids.HealthUnknown}
}

// Unregister removes an agent from monitoring, e.g. on unregistration
// from the registry.
func (m *Monitor) Unregister(id ids.AgentID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, id)
}

// Status returns the current tracked health for id, or HealthUnknown if
// the agent is not being monitored.
func (m *Monitor) Status(id ids.AgentID) ids.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return ids.HealthUnknown
	}
	return t.status
}

// probeOne runs a single probe for id and applies the hysteresis
// transition, publishing and logging the change if the status moved.
func (m *Monitor) probeOne(ctx context.Context, id ids.AgentID) {
	m.mu.Lock()
	t, ok := m.targets[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	prober, timeout := t.prober, t.timeout
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, span := m.tracer.Start(ctx, "healthmon.probe",
		trace.WithAttributes(attribute.String("agent.id", string(id))))
	defer span.End()

	failed := prober.Probe(probeCtx) != nil

	// An agent reporting a full sample vector gets its failure signal
	// from whether the §4.5 weighted score has regressed relative to the
	// currently tracked status, rather than from a bare liveness check.
	if sp, ok := prober.(SampleProber); ok {
		if sample, sampleErr := sp.Sample(probeCtx); sampleErr == nil {
			derived := ids.HealthFromScore(sample.Score().Float64())
			m.mu.Lock()
			cur := t.status
			m.mu.Unlock()
			failed = derived.Worse(cur)
		}
	}

	m.mu.Lock()
	t, ok = m.targets[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	old := t.status
	var next ids.Health

	if failed {
		span.SetStatus(codes.Error, "health probe regressed or failed")
		t.consecutiveFail++
		if t.consecutiveFail >= 3 {
			next = old.Demote()
			t.consecutiveFail = 0
		} else {
			next = old
		}
	} else {
		t.consecutiveFail = 0
		next = old.Promote()
	}
	t.status = next
	m.mu.Unlock()

	if next != old {
		m.publisher.PublishHealthChanged(id, old, next)
		m.logger.InfoContext(ctx, "healthmon: agent health transitioned",
			"agent_id", string(id), "from", string(old), "to", string(next))
	}
}

// Run starts the monitor loop, probing every tracked agent at its own
// configured interval until ctx is cancelled or Stop is called. Each
// agent's probe schedule runs independently, matching the coordinator's
// "long-running loops are independent tasks" concurrency model.
func (m *Monitor) Run(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastRun := make(map[ids.AgentID]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			due := make([]ids.AgentID, 0, len(m.targets))
			for id, t := range m.targets {
				last, seen := lastRun[id]
				if !seen || now.Sub(last) >= t.interval {
					due = append(due, id)
				}
			}
			m.mu.Unlock()

			for _, id := range due {
				lastRun[id] = now
				m.probeOne(ctx, id)
			}
		}
	}
}

// Stop signals the monitor loop to exit and waits for it to return.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
