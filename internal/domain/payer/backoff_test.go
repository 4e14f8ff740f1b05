package payer

import (
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	base := time.Minute

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 90 * time.Second},
		{3, 135 * time.Second},
		{0, time.Minute},
	}
	for _, tc := range cases {
		if got := retryDelay(base, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestRetryDelay_Capped(t *testing.T) {
	if got := retryDelay(time.Minute, 20); got != maxRetryDelay {
		t.Errorf("expected cap %v, got %v", maxRetryDelay, got)
	}
	if got := retryDelay(time.Hour, 1); got != maxRetryDelay {
		t.Errorf("base above cap must clamp, got %v", got)
	}
}
