package agent

import "time"

// NextDelay returns how long to sleep before the next poll.
// After a transport error the loop waits twice the normal interval.
func NextDelay(interval time.Duration, consecutiveErrors int) time.Duration {
	if consecutiveErrors > 0 {
		return 2 * interval
	}
	return interval
}

// Exhausted reports whether the loop must give up.
func Exhausted(consecutiveErrors, max int) bool {
	return max > 0 && consecutiveErrors >= max
}
