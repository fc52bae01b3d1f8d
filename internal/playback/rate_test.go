package playback

import (
	"testing"

	"github.com/chattalabs/chatta-core/internal/config"
)

func newController() *RateController {
	return NewRateController(config.RateConfig{MinRate: 0.85, MaxRate: 1.15})
}

func TestRateAnchors(t *testing.T) {
	c := newController()
	if r := c.Rate(0); r != 0.85 {
		t.Fatalf("expected slowest rate at health 0, got %v", r)
	}
	if r := c.Rate(0.5); r != 1.0 {
		t.Fatalf("expected base rate at health 0.5, got %v", r)
	}
	if r := c.Rate(1); r != 1.15 {
		t.Fatalf("expected fastest rate at health 1, got %v", r)
	}
}

func TestRateMonotonicAndBounded(t *testing.T) {
	c := newController()
	prev := 0.0
	for i := 0; i <= 100; i++ {
		h := float64(i) / 100.0
		r := c.Rate(h)
		if r < prev {
			t.Fatalf("rate decreased at health %v: %v < %v", h, r, prev)
		}
		if r < 0.85 || r > 1.15 {
			t.Fatalf("rate out of bounds at health %v: %v", h, r)
		}
		prev = r
	}
}

func TestRateClampsHealth(t *testing.T) {
	c := newController()
	if r := c.Rate(-0.5); r != 0.85 {
		t.Fatalf("expected clamp to slowest rate, got %v", r)
	}
	if r := c.Rate(3.0); r != 1.15 {
		t.Fatalf("expected clamp to fastest rate, got %v", r)
	}
}

func TestRateContinuity(t *testing.T) {
	c := newController()
	// No jump larger than the steepest band slope across a small step.
	const step = 0.001
	for h := 0.0; h < 1.0; h += step {
		jump := c.Rate(h+step) - c.Rate(h)
		if jump > 0.01 {
			t.Fatalf("discontinuity at health %v: jump %v", h, jump)
		}
	}
}
