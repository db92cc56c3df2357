package backend

import "time"

// RetryDelay returns the requeue delay for a job entering its next attempt.
// Exponential doubling from the base, capped at the configured maximum.
// attempt is the count of claims already consumed (1 after the first run).
func (p Policy) RetryDelay(attempt int) time.Duration {
	if p.RetryBackoff <= 0 {
		return 0
	}

	delay := p.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.RetryBackoffMax > 0 && delay >= p.RetryBackoffMax {
			return p.RetryBackoffMax
		}
	}

	if p.RetryBackoffMax > 0 && delay > p.RetryBackoffMax {
		return p.RetryBackoffMax
	}
	return delay
}

// Exhausted reports whether a job at the given attempt count has no
// attempts left
func (p Policy) Exhausted(attemptCount, jobMaxAttempts int) bool {
	max := p.MaxAttempts
	if jobMaxAttempts > 0 {
		max = jobMaxAttempts
	}
	return attemptCount >= max
}
