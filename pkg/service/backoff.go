package service

import (
	"math/rand"
	"time"
)

// Backoff computes the redelivery delay after a failed attempt:
// exponential growth from Base by Multiplier, capped at Cap, with equal
// jitter so simultaneous failures don't retry in lockstep.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
}

var DefaultBackoff = Backoff{
	Base:       60 * time.Second,
	Multiplier: 2,
	Cap:        time.Hour,
}

// Delay returns the wait before redelivering a task that has consumed
// `attempt` attempts (attempt >= 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Multiplier
		if d >= float64(b.Cap) {
			d = float64(b.Cap)
			break
		}
	}
	// Equal jitter: half fixed, half random.
	half := d / 2
	return time.Duration(half + rand.Float64()*half)
}
