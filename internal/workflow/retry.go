package workflow

import (
	"math"
	"math/rand"
	"time"
)

// Jitter produces a random value in [0, n). Injectable so retry timing is
// reproducible under test.
type Jitter func(n int64) int64

func defaultJitter(n int64) int64 { return rand.Int63n(n) }

// backoffWithJitter computes the wait before the next attempt: exponential
// growth capped at max, with half the interval randomized to decorrelate
// concurrent retries.
func backoffWithJitter(base, max time.Duration, attempt int, jitter Jitter) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(jitter(int64(half)))
}
