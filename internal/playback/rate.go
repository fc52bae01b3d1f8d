package playback

import "github.com/chattalabs/chatta-core/internal/config"

// RateController maps buffer health in [0,1] to a playback speed
// multiplier. Low health slows playback down to stretch the remaining
// buffered audio; high health speeds it up to drain the excess. The curve
// is continuous, monotonic, and anchored at 1.0 for health 0.5.
type RateController struct {
	anchors []anchor
}

type anchor struct {
	health float64
	rate   float64
}

func NewRateController(cfg config.RateConfig) *RateController {
	min := cfg.MinRate
	max := cfg.MaxRate
	if min <= 0 {
		min = 0.85
	}
	if max < 1.0 {
		max = 1.15
	}
	return &RateController{
		anchors: []anchor{
			{0.0, min},
			{0.3, min + (1.0-min)*0.75},
			{0.5, 1.0},
			{0.7, 1.0 + (max-1.0)*0.25},
			{1.0, max},
		},
	}
}

// Rate interpolates linearly between the anchor points. Health outside
// [0,1] is clamped.
func (c *RateController) Rate(health float64) float64 {
	if health <= c.anchors[0].health {
		return c.anchors[0].rate
	}
	last := c.anchors[len(c.anchors)-1]
	if health >= last.health {
		return last.rate
	}
	for i := 1; i < len(c.anchors); i++ {
		hi := c.anchors[i]
		if health > hi.health {
			continue
		}
		lo := c.anchors[i-1]
		span := hi.health - lo.health
		fraction := (health - lo.health) / span
		return lo.rate + fraction*(hi.rate-lo.rate)
	}
	return last.rate
}
