package conn

import (
	"math/rand/v2"
	"time"
)

// BackoffConfig parameterizes the exponential-with-jitter reconnect delay of
// spec §4.5: base 500ms, factor 2, cap 30s, jitter ±20%.
type BackoffConfig struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64 // fraction, e.g. 0.2 for ±20%
}

// DefaultBackoffConfig matches spec §4.5's defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Base: 500 * time.Millisecond, Factor: 2, Cap: 30 * time.Second, Jitter: 0.2}
}

// Delay returns the backoff delay for the given (zero-based) attempt number,
// with jitter applied. Grounded on the jittered-random-delay idiom used
// elsewhere in the pack for control-plane retries, adapted to this spec's
// exact exponential base/factor/cap formula.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	d := float64(c.Base)
	for i := 0; i < attempt; i++ {
		d *= c.Factor
		if d >= float64(c.Cap) {
			d = float64(c.Cap)
			break
		}
	}

	jitterRange := d * c.Jitter
	// rand.Float64 is in [0,1); map to [-jitterRange, +jitterRange].
	offset := (rand.Float64()*2 - 1) * jitterRange
	d += offset

	if d < 0 {
		d = 0
	}
	if d > float64(c.Cap) {
		d = float64(c.Cap)
	}
	return time.Duration(d)
}
