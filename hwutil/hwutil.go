// Package hwutil holds the small timing and circular-arithmetic helpers shared
// by the motorized peripherals.
package hwutil

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Mod is a floor modulo: unlike Go's % operator the result is always in [0, y)
// for positive y, so Mod(-1, 4) == 3.
func Mod(x, y int) int {
	m := x % y
	if m < 0 {
		m += y
	}
	return m
}

// A Deadline bounds one hardware operation against a monotonic clock.
// Elapsed time is measured with clock.Since, which is rollover-safe.
type Deadline struct {
	clk    clock.Clock
	start  time.Time
	budget time.Duration
}

// NewDeadline starts a deadline of the given budget on clk.
func NewDeadline(clk clock.Clock, budget time.Duration) Deadline {
	return Deadline{clk: clk, start: clk.Now(), budget: budget}
}

// Expired reports whether the budget has been used up.
func (d Deadline) Expired() bool {
	return d.clk.Since(d.start) > d.budget
}
