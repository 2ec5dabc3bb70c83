package lockbus

import (
	"math/rand"
	"time"
)

type (
	// BackoffStrategy defines the methodology for backing off after a
	// transport failure.
	BackoffStrategy interface {
		// Backoff returns the amount of time to wait before the next retry given
		// the number of consecutive failures.
		Backoff(retries int) time.Duration
	}

	// ExponentialBackoff implements exponential backoff algorithm.
	ExponentialBackoff struct {
		// config contains all options to configure the backoff algorithm.
		config BackoffConfig
	}
)

func NewExponentialBackoff(cfg BackoffConfig) ExponentialBackoff {
	return ExponentialBackoff{
		config: cfg,
	}
}

// Backoff calculates the backoff duration using exponential backoff with jitter.
func (bc ExponentialBackoff) Backoff(retries int) time.Duration {
	if retries == 0 {
		return bc.config.BaseDelay
	}

	backoff, maxBackoff := float64(bc.config.BaseDelay), float64(bc.config.MaxDelay)
	for backoff < maxBackoff && retries > 0 {
		backoff *= bc.config.Multiplier
		retries--
	}

	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	backoff *= 1 + bc.config.Jitter*(rand.Float64()*2-1)
	if backoff < 0 {
		backoff = 0
	}

	return time.Duration(backoff)
}
