// Package vardiff retargets a miner's share difficulty from its observed
// submission rate.
package vardiff

import (
	"math"
	"time"
)

const (
	// DefaultWindow is the number of accepted shares considered.
	DefaultWindow = 30
	// DefaultTargetInterval is the desired time between shares.
	DefaultTargetInterval = 10 * time.Second
	// DefaultStallAfter is how long an empty window is tolerated.
	DefaultStallAfter = 60 * time.Second
	// MinimumDifficulty is the floor of NearestPowerOfTwo.
	MinimumDifficulty = 0.00001
)

// Config tunes a Controller. Zero values take the defaults above; a zero
// Max means unbounded.
type Config struct {
	Window         int
	TargetInterval time.Duration
	StallAfter     time.Duration
	Min            float64
	Max            float64
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.TargetInterval <= 0 {
		c.TargetInterval = DefaultTargetInterval
	}
	if c.StallAfter <= 0 {
		c.StallAfter = DefaultStallAfter
	}
	return c
}

type entry struct {
	at         time.Time
	difficulty float64
}

// Controller keeps the rolling window for one session. It is not safe for
// concurrent use; the owning session serializes access.
type Controller struct {
	config  Config
	started time.Time
	entries []entry
}

// New creates a Controller for a session that started at start.
func New(config Config, start time.Time) *Controller {
	config = config.withDefaults()
	return &Controller{
		config:  config,
		started: start,
		entries: make([]entry, 0, config.Window),
	}
}

// Add records an accepted share, dropping the oldest beyond the window.
func (c *Controller) Add(at time.Time, difficulty float64) {
	if len(c.entries) == c.config.Window {
		copy(c.entries, c.entries[1:])
		c.entries = c.entries[:len(c.entries)-1]
	}
	c.entries = append(c.entries, entry{at: at, difficulty: difficulty})
}

// Len returns the number of shares in the window.
func (c *Controller) Len() int {
	return len(c.entries)
}

// Reset empties the window, typically after a difficulty change.
func (c *Controller) Reset() {
	c.entries = c.entries[:0]
}

// Suggest returns a new difficulty when the observed rate is more than a
// factor of two off target. With an empty window it halves-and-then-some
// (current/6) once the session has been quiet past StallAfter.
func (c *Controller) Suggest(current float64, now time.Time) (float64, bool) {
	if len(c.entries) == 0 {
		if now.Sub(c.started) <= c.config.StallAfter {
			return 0, false
		}
		return c.bounded(current, current/6)
	}

	span := c.entries[len(c.entries)-1].at.Sub(c.entries[0].at).Seconds()
	if span <= 0 {
		return 0, false
	}

	var sum float64
	for _, e := range c.entries {
		sum += e.difficulty
	}
	target := sum / span * c.config.TargetInterval.Seconds()

	if current*2 < target || current/2 > target {
		return c.bounded(current, target)
	}
	return 0, false
}

func (c *Controller) bounded(current, v float64) (float64, bool) {
	next, ok := NearestPowerOfTwo(v)
	if !ok {
		return 0, false
	}
	if c.config.Min > 0 && next < c.config.Min {
		next = c.config.Min
	}
	if c.config.Max > 0 && next > c.config.Max {
		next = c.config.Max
	}
	if next == current {
		return 0, false
	}
	return next, true
}

// NearestPowerOfTwo returns the largest power of two not above v. Below 1
// the integer search has nothing to find, so v is scaled by 100, searched
// and scaled back: 0.3 yields 0.16, not 0.25. Results never go below
// MinimumDifficulty. Zero, negative and NaN inputs have no answer.
func NearestPowerOfTwo(v float64) (float64, bool) {
	if !(v > 0) || math.IsInf(v, 1) {
		return 0, false
	}
	if v < MinimumDifficulty {
		return MinimumDifficulty, true
	}
	if v < 1 {
		scaled, _ := NearestPowerOfTwo(v * 100)
		return math.Max(scaled/100, MinimumDifficulty), true
	}
	_, exp := math.Frexp(v)
	return math.Ldexp(1, exp-1), true
}
