package healthmon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSample_ScorePerfectAgent(t *testing.T) {
	s := Sample{
		Availability: 1.0,
		ErrorRate:    0,
		Throughput:   1000,
		CPUUsage:     0,
		MemoryUsage:  0,
		DiskUsage:    0,
	}
	assert.InDelta(t, 1.0, s.Score().Float64(), 0.01)
}

func TestSample_ScoreDegradesWithErrorRate(t *testing.T) {
	healthy := Sample{Availability: 1.0, ErrorRate: 0}
	degraded := Sample{Availability: 1.0, ErrorRate: 0.5}
	assert.Greater(t, healthy.Score().Float64(), degraded.Score().Float64())
}

func TestSample_ScoreDecaysWithLatency(t *testing.T) {
	fast := Sample{ResponseTime: 10 * time.Millisecond}
	slow := Sample{ResponseTime: 2 * time.Second}
	assert.Greater(t, fast.Score().Float64(), slow.Score().Float64())
}

func TestSample_ScoreClampedToUnitInterval(t *testing.T) {
	s := Sample{Availability: 1, Throughput: 1e9}
	score := s.Score().Float64()
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}
