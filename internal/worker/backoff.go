package worker

import "time"

// backoffDelay returns the pause after a failed attempt (1-based),
// doubling from initial and capped at max.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max > 0 && initial > max {
		return max
	}

	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	return d
}
