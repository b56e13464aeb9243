package infra

import (
	"math"
	"time"
)

const (
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 60 * time.Second
)

// CalculateBackoff returns the exponential delay for the given retry attempt,
// capped at maxRetryDelay.
func CalculateBackoff(retryCount int) time.Duration {
	return backoffFrom(baseRetryDelay, retryCount)
}

func backoffFrom(base time.Duration, retryCount int) time.Duration {
	// Cap retry count to prevent overflow (2^6 = 64 seconds > max 60s)
	if retryCount > 6 {
		return maxRetryDelay
	}
	delay := base * time.Duration(math.Pow(2, float64(retryCount)))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
