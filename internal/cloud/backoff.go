package cloud

import (
	"math/rand"
	"time"
)

// backoffDelay computes the exponential retry delay for the given attempt
// number: min(base * 2^attempt, max), with proportional jitter applied in
// [-jitterPercent, +jitterPercent]. rnd is a uniform [0,1) source; nil uses
// the package default.
func backoffDelay(base, max time.Duration, jitterPercent float64, attempt int, rnd func() float64) time.Duration {
	if rnd == nil {
		rnd = rand.Float64
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}

	jitter := d.Seconds() * jitterPercent * (rnd()*2 - 1)
	return d + time.Duration(jitter*float64(time.Second))
}
