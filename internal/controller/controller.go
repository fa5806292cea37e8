// Package controller sizes work batches from the success rate of the
// previous batch.
package controller

import "math"

const (
	// DefaultMax is the batch size ceiling used when none is configured.
	DefaultMax = 20

	severeThreshold = 0.5
	mildThreshold   = 0.7
	growThreshold   = 0.9

	mildShrink  = 2
	growAfter   = 3
	shrinkAfter = 1
	initialSize = 1
	minSize     = 1
)

// State is a copy of a Controller's internal counters.
type State struct {
	Size                 int
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
}

// Controller is an asymmetric grow-slow / shrink-fast batch sizer. It starts
// at size 1 and never leaves [1, max].
//
// A Controller is owned by one stage and predictor pair and is not safe for
// concurrent use.
type Controller struct {
	max                  int
	size                 int
	consecutiveSuccesses int
	consecutiveFailures  int
}

// New returns a Controller with the given ceiling. A ceiling below 1 is
// treated as 1.
func New(max int) *Controller {
	if max < minSize {
		max = minSize
	}
	return &Controller{max: max, size: initialSize}
}

// Size returns the current batch size.
func (c *Controller) Size() int { return c.size }

// Max returns the configured ceiling.
func (c *Controller) Max() int { return c.max }

// State returns the current size and counters.
func (c *Controller) State() State {
	return State{
		Size:                 c.size,
		ConsecutiveSuccesses: c.consecutiveSuccesses,
		ConsecutiveFailures:  c.consecutiveFailures,
	}
}

// Adjust feeds the success rate of the last batch and returns the next batch
// size. Rates outside [0, 1] are clamped; NaN counts as 0.
func (c *Controller) Adjust(successRate float64) int {
	rate := clamp(successRate)

	switch {
	case rate < severeThreshold:
		c.size = max(c.size/2, minSize)
		c.consecutiveSuccesses = 0
		c.consecutiveFailures = 0

	case rate < mildThreshold:
		c.consecutiveSuccesses = 0
		c.consecutiveFailures++
		if c.consecutiveFailures >= shrinkAfter {
			c.size = max(c.size-mildShrink, minSize)
			c.consecutiveFailures = 0
		}

	case rate >= growThreshold:
		c.consecutiveFailures = 0
		c.consecutiveSuccesses++
		if c.consecutiveSuccesses >= growAfter {
			c.size = min(c.size+1, c.max)
			c.consecutiveSuccesses = 0
		}

	default:
		c.consecutiveSuccesses = 0
		c.consecutiveFailures = 0
	}

	return c.size
}

// set is used by tests to start from a size other than 1.
func (c *Controller) set(size int) {
	c.size = min(max(size, minSize), c.max)
}

func clamp(rate float64) float64 {
	if math.IsNaN(rate) || rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}
