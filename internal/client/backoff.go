package client

import "time"

// backoffDelay returns the reconnect delay for attempt n (0-indexed):
// initial doubled per attempt, clamped at max. The attempt counter resets
// only on a successful connection, so repeated failures keep the delay
// parked at max. No jitter.
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		return 0
	}
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
