package connection

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Initial doubled per attempt up to Max,
// with +/- Jitter applied.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay, 0.1 = +/-10%
}

// DefaultBackoff returns 5s doubling to 60s with 10% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    5 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2,
		Jitter:     0.1,
	}
}

// Duration returns the delay before attempt (0-based). The result always
// lies within [Initial, Max].
func (b Backoff) Duration(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	ceiling := b.Max
	if ceiling < b.Initial {
		ceiling = b.Initial
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}

	d := float64(b.Initial)
	for i := 0; i < attempt && d < float64(ceiling); i++ {
		d *= mult
	}
	if d > float64(ceiling) {
		d = float64(ceiling)
	}

	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1)
	}

	out := time.Duration(d)
	if out < b.Initial {
		out = b.Initial
	}
	if out > ceiling {
		out = ceiling
	}
	return out
}
