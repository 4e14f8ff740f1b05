package payer

import (
	"math"
	"time"
)

// maxRetryDelay caps exponential backoff between delivery attempts.
const maxRetryDelay = 30 * time.Minute

// retryDelay computes the wait before the next delivery attempt. attempt is
// the number of attempts already made, so the first retry (attempt 1) waits
// exactly the base interval and each further retry grows by a factor of 1.5,
// capped at maxRetryDelay.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(1.5, float64(attempt-1)))
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}
