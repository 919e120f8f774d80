// Package healthmon implements the health monitor: converts raw
// per-agent sample vectors into a normalized health score and status,
// and probes declared health-check targets on an interval with
// hysteresis-based promotion/demotion.
package healthmon

import (
	"math"
	"time"

	"github.com/stricklysoft/agentcoord/internal/ids"
)

// latencyTau is the exponential decay constant used for the response-time
// and network-latency terms of the health score.
const latencyTau = 500 * time.Millisecond

// Sample is one agent's raw metrics snapshot, collected directly or
// reported via heartbeat.
type Sample struct {
	ResponseTime   time.Duration
	Availability   float64 // 0..1
	ErrorRate      float64 // 0..1
	Throughput     float64
	CPUUsage       float64 // 0..1
	MemoryUsage    float64 // 0..1
	NetworkLatency time.Duration
	DiskUsage      float64 // 0..1
	Timestamp      time.Time
}

// throughputTerm normalizes Throughput into a [0,1] term. The spec
// leaves the baseline unspecified; this uses a saturating curve so a
// throughput of zero scores 0 and any positive throughput scores
// progressively closer to 1, rather than requiring a magic baseline
// constant per agent type.
func throughputTerm(throughput float64) float64 {
	if throughput <= 0 {
		return 0
	}
	return throughput / (throughput + 1)
}

func decayTerm(d time.Duration) float64 {
	if d <= 0 {
		return 1
	}
	return math.Exp(-float64(d) / float64(latencyTau))
}

// Score computes the weighted health score in [0,1] per §4.5:
//
//	h = 0.25*availability + 0.20*(1-error_rate) + 0.15*latency_term +
//	    0.10*throughput_term + 0.10*(1-cpu) + 0.10*(1-memory) +
//	    0.05*(1-disk) + 0.05*netlat_term
func (s Sample) Score() ids.Score {
	latencyTerm := decayTerm(s.ResponseTime)
	netlatTerm := decayTerm(s.NetworkLatency)

	h := 0.25*s.Availability +
		0.20*(1-s.ErrorRate) +
		0.15*latencyTerm +
		0.10*throughputTerm(s.Throughput) +
		0.10*(1-s.CPUUsage) +
		0.10*(1-s.MemoryUsage) +
		0.05*(1-s.DiskUsage) +
		0.05*netlatTerm

	return ids.ClampScore(h)
}
