package registry

import (
	"context"
	"time"

	"github.com/stricklysoft/agentcoord/internal/ids"
)

// downSince tracks, per shard entry, how long an agent has continuously
// held health Down. It is reset whenever the agent's health improves or
// a fresh heartbeat arrives. Kept on the Record itself would grow the
// hot path's struct size for a rarely-read field, so the staleness loop
// tracks it out-of-band, keyed by agent ID, instead.
type downTracker struct {
	since map[ids.AgentID]time.Time
}

func newDownTracker() *downTracker {
	return &downTracker{since: make(map[ids.AgentID]time.Time)}
}

// RunStaleness starts the background staleness scan loop. It blocks
// until ctx is cancelled or Stop is called, and should be launched in
// its own goroutine by the coordinator facade. Every HealthCheckInterval
// it marks agents whose last heartbeat exceeds StaleThreshold as health
// Down, and unregisters agents that have remained Down beyond
// EvictionThreshold.
func (r *Registry) RunStaleness(ctx context.Context) {
	r.wg.Add(1)
	defer r.wg.Done()

	tracker := newDownTracker()
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.scanOnce(ctx, tracker)
		}
	}
}

// Stop signals the staleness loop to exit and waits for it to return.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) scanOnce(ctx context.Context, tracker *downTracker) {
	now := r.clock()
	threshold := r.cfg.StaleThreshold

	for _, rec := range r.List() {
		stale := threshold
		if rec.Config.StalenessThreshold > 0 {
			stale = rec.Config.StalenessThreshold
		}

		if now.Sub(rec.Metrics.LastHeartbeat) > stale {
			if rec.Health != ids.HealthDown {
				_ = r.mutate(rec.ID, func(live *Record) error {
					live.Health = ids.HealthDown
					return nil
				})
			}
			if _, tracked := tracker.since[rec.ID]; !tracked {
				tracker.since[rec.ID] = now
			}
		} else {
			delete(tracker.since, rec.ID)
			continue
		}

		downSince, tracked := tracker.since[rec.ID]
		if tracked && now.Sub(downSince) > r.cfg.EvictionThreshold {
			delete(tracker.since, rec.ID)
			if err := r.Unregister(ctx, rec.ID); err != nil {
				r.logger.WarnContext(ctx, "registry: eviction of stale agent failed",
					"agent_id", string(rec.ID), "error", err)
			} else {
				r.logger.InfoContext(ctx, "registry: evicted stale agent",
					"agent_id", string(rec.ID),
					"down_duration", now.Sub(downSince).String())
			}
		}
	}
}
