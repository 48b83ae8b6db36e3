package conn

import "testing"

func TestBackoffDelayWithinJitterBounds(t *testing.T) {
	cfg := DefaultBackoffConfig()

	cases := []struct {
		attempt  int
		base     float64 // unjittered expected delay in ms
	}{
		{0, 500},
		{1, 1000},
		{2, 2000},
		{3, 4000},
		{10, 30000}, // capped
	}

	for _, c := range cases {
		for i := 0; i < 20; i++ {
			d := cfg.Delay(c.attempt).Seconds() * 1000
			low := c.base * 0.8
			high := c.base * 1.2
			if c.base == 30000 {
				high = 30000 // cap can't be exceeded even with positive jitter
			}
			if d < low-1 || d > high+1 {
				t.Fatalf("attempt %d: delay %.1fms out of [%.1f,%.1f]", c.attempt, d, low, high)
			}
		}
	}
}

func TestBackoffDelayNeverNegative(t *testing.T) {
	cfg := BackoffConfig{Base: 1, Factor: 2, Cap: 30000, Jitter: 0.2}
	for i := 0; i < 50; i++ {
		if cfg.Delay(0) < 0 {
			t.Fatal("delay should never be negative")
		}
	}
}
