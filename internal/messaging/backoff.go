package messaging

import (
	"math/rand"
	"time"
)

// BackoffConfig controls the reconnect backoff schedule per §4.6.
type BackoffConfig struct {
	Initial    time.Duration
	Factor     float64
	Max        time.Duration
	Jitter     float64 // fraction, e.g. 0.2 for ±20%
	MaxRetries int
}

// DefaultBackoff matches the spec's defaults: initial=1s, factor=2,
// max=60s, jitter=±20%, max 5 reconnect attempts.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Factor:     2,
		Max:        60 * time.Second,
		Jitter:     0.2,
		MaxRetries: 5,
	}
}

// Delay returns the backoff delay before reconnect attempt attempt
// (1-indexed), with jitter applied via rng. A nil rng uses the package
// default source.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
		if d > float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	jitterRange := d * b.Jitter
	d += (rng.Float64()*2 - 1) * jitterRange
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
