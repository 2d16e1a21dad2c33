package reconcile

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Queue delays grow from one minute, doubling per retry, up to an hour.
const (
	queueInitialDelay = time.Minute
	queueMaxDelay     = time.Hour
)

// RetryDelay is the wait before attempt retryCount+1 of a queued operation:
// min(2^retryCount minutes, 1 hour).
func RetryDelay(retryCount int) time.Duration {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     queueInitialDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         queueMaxDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	d := bo.NextBackOff()
	for i := 0; i < retryCount && d < queueMaxDelay; i++ {
		d = bo.NextBackOff()
	}
	return d
}
