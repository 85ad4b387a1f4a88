package queue

import (
	"math/rand"
	"time"

	"github.com/drewfead/herald/internal/config"
)

// backoffDelay computes the delay before the next registration attempt.
// Delay grows exponentially with the consecutive-failure count up to the cap,
// gets a small random jitter, and never falls below a server-provided
// retry-after hint.
func backoffDelay(cfg config.BackoffConfig, failures int, retryAfter time.Duration, jitter func() float64) time.Duration {
	if failures < 1 {
		failures = 1
	}

	delay := float64(cfg.Initial)
	for i := 1; i < failures; i++ {
		delay *= cfg.Multiplier
		if delay >= float64(cfg.Max) {
			delay = float64(cfg.Max)
			break
		}
	}

	// Up to 10% jitter so a fleet of consumers doesn't reconnect in lockstep.
	delay += delay * 0.1 * jitter()

	d := time.Duration(delay)
	if d > cfg.Max {
		d = cfg.Max
	}
	if d < retryAfter {
		d = retryAfter
	}
	return d
}

func defaultJitter() float64 {
	return rand.Float64()
}
