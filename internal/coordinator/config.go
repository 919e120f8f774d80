package coordinator

import (
	"time"

	"github.com/stricklysoft/agentcoord/internal/healthmon"
	"github.com/stricklysoft/agentcoord/internal/impact"
	"github.com/stricklysoft/agentcoord/internal/messaging"
	"github.com/stricklysoft/agentcoord/internal/registry"
	"github.com/stricklysoft/agentcoord/internal/scheduler"
	sserr "github.com/stricklysoft/agentcoord/pkg/errors"
)

// Config aggregates every subsystem's tunables plus the facade's own:
// the event bus buffer size, the graceful-drain timeout, and the
// optional persisted-state / capability-index collaborators' settings.
type Config struct {
	Registry  registry.Config     `yaml:"registry"`
	Scheduler scheduler.Config    `yaml:"scheduler"`
	Hub       messaging.HubConfig `yaml:"hub"`

	// ImpactMaxDepth bounds the dependency-graph BFS the impact analyzer
	// runs. Zero falls back to impact.DefaultMaxDepth.
	ImpactMaxDepth int `yaml:"impact_max_depth" env:"IMPACT_MAX_DEPTH"`

	// HealthProbeInterval and HealthProbeTimeout are the defaults applied
	// to agents registered with the health monitor that don't specify
	// their own. Zero falls back to healthmon's own defaults.
	HealthProbeInterval time.Duration `yaml:"health_probe_interval" env:"HEALTH_PROBE_INTERVAL"`
	HealthProbeTimeout  time.Duration `yaml:"health_probe_timeout" env:"HEALTH_PROBE_TIMEOUT"`

	// EventBufferSize bounds each event-bus subscriber's channel depth.
	EventBufferSize int `yaml:"event_buffer_size" env:"EVENT_BUFFER_SIZE"`

	// DrainTimeout bounds how long Stop waits for in-flight tasks and
	// connections to settle before forcing shutdown, per the external
	// API's stop() contract.
	DrainTimeout time.Duration `yaml:"drain_timeout" env:"DRAIN_TIMEOUT" envDefault:"30s"`

	// EnableSnapshot and EnableCapIndex flag the optional persisted-
	// state and capability-similarity collaborators. Both default off:
	// the coordinator is fully correct without either. The collaborators
	// themselves are attached with WithSnapshotStore and WithCapIndex;
	// these flags do not attach or detach them, and only EnableSnapshot
	// is read (by Validate).
	EnableSnapshot  bool `yaml:"enable_snapshot" env:"ENABLE_SNAPSHOT"`
	EnableCapIndex  bool `yaml:"enable_capindex" env:"ENABLE_CAPINDEX"`

	// SnapshotInterval is the period of the background persisted-state
	// save loop, which runs whenever a snapshot store is attached.
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL" envDefault:"60s"`
}

// DefaultConfig returns a Config built from every subsystem's own
// DefaultConfig, with the facade's own tunables at their documented
// defaults.
func DefaultConfig() Config {
	return Config{
		Registry:            registry.DefaultConfig(),
		Scheduler:           scheduler.DefaultConfig(),
		Hub:                 messaging.DefaultHubConfig(),
		ImpactMaxDepth:      impact.DefaultMaxDepth,
		HealthProbeInterval: healthmon.DefaultProbeInterval,
		HealthProbeTimeout:  healthmon.DefaultProbeTimeout,
		EventBufferSize:     defaultSubscriberBuffer,
		DrainTimeout:        30 * time.Second,
		SnapshotInterval:    60 * time.Second,
	}
}

// Validate checks the subset of invariants not already enforced by the
// subsystems' own constructors, satisfying pkg/config's Validator
// interface so config.Load can call it automatically.
func (c Config) Validate() error {
	if c.ImpactMaxDepth < 0 {
		return sserr.Newf(sserr.CodeValidation,
			"coordinator: impact_max_depth must be non-negative, got %d", c.ImpactMaxDepth)
	}
	if c.HealthProbeInterval < 0 {
		return sserr.Newf(sserr.CodeValidation,
			"coordinator: health_probe_interval must be non-negative, got %v", c.HealthProbeInterval)
	}
	if c.HealthProbeTimeout < 0 {
		return sserr.Newf(sserr.CodeValidation,
			"coordinator: health_probe_timeout must be non-negative, got %v", c.HealthProbeTimeout)
	}
	if c.EventBufferSize <= 0 {
		return sserr.Newf(sserr.CodeValidation,
			"coordinator: event_buffer_size must be greater than zero, got %d", c.EventBufferSize)
	}
	if c.DrainTimeout <= 0 {
		return sserr.Newf(sserr.CodeValidation,
			"coordinator: drain_timeout must be greater than zero, got %v", c.DrainTimeout)
	}
	if c.EnableSnapshot && c.SnapshotInterval <= 0 {
		return sserr.Newf(sserr.CodeValidation,
			"coordinator: snapshot_interval must be greater than zero when enable_snapshot is set, got %v", c.SnapshotInterval)
	}
	return nil
}
