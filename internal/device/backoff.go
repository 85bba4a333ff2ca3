package device

import (
	"errors"
	"math/rand"
	"time"
)

const backoffJitter = 0.2

// backoffDelay returns the wait before retry number retry (1-based):
// base doubled per retry, capped, with +-20% jitter. A Retry-After hint on
// the error replaces the exponential step but is still capped and jittered.
func backoffDelay(base, maxD time.Duration, retry int, err error, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxD <= 0 {
		maxD = 10 * time.Second
	}

	d := base
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		d = se.RetryAfter
	} else {
		for i := 1; i < retry; i++ {
			d *= 2
			if d > maxD {
				break
			}
		}
	}
	if d > maxD {
		d = maxD
	}
	if rng != nil && d > 0 {
		r := (rng.Float64()*2 - 1) * backoffJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
