package worker

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		name    string
		attempt int
		initial time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{"first attempt", 1, 2 * time.Second, 30 * time.Second, 2 * time.Second},
		{"second doubles", 2, 2 * time.Second, 30 * time.Second, 4 * time.Second},
		{"third doubles again", 3, 2 * time.Second, 30 * time.Second, 8 * time.Second},
		{"capped at max", 6, 2 * time.Second, 30 * time.Second, 30 * time.Second},
		{"initial above max", 1, time.Minute, 30 * time.Second, 30 * time.Second},
		{"zero initial falls back", 1, 0, 30 * time.Second, time.Second},
		{"no max", 5, time.Second, 0, 16 * time.Second},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := backoffDelay(tc.attempt, tc.initial, tc.max); got != tc.want {
				t.Fatalf("backoffDelay(%d, %s, %s) = %s, want %s",
					tc.attempt, tc.initial, tc.max, got, tc.want)
			}
		})
	}
}
