// SPDX-License-Identifier: MIT

package syncer

import "time"

// Interval adjustment factors for the adaptive loop.
const (
	growFactor    = 1.2
	shrinkFactor  = 0.8
	backoffFactor = 1.5

	// idleCyclesBeforeGrow is how many consecutive zero-update cycles are
	// tolerated before the loop slows down.
	idleCyclesBeforeGrow = 3
)

// NextInterval computes the sleep interval for the next cycle from the
// current one. Updates shrink the interval toward min, sustained idleness
// grows it toward max, and an errored cycle backs off harder than idleness.
func NextInterval(current time.Duration, updates, consecutiveIdle int, errored bool, min, max time.Duration) time.Duration {
	var next time.Duration
	switch {
	case errored:
		next = time.Duration(float64(current) * backoffFactor)
	case updates > 0:
		next = time.Duration(float64(current) * shrinkFactor)
	case consecutiveIdle >= idleCyclesBeforeGrow:
		next = time.Duration(float64(current) * growFactor)
	default:
		next = current
	}
	if next < min {
		next = min
	}
	if next > max {
		next = max
	}
	return next
}
