/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package recovery

import "time"

const (
	// SlewUnitsPerPPM is the 16-bit signed slew resolution: roughly 327.66
	// units per ppm, so the full [-100,+100]ppm range spans the full
	// int16 range.
	SlewUnitsPerPPM = 327.66

	// fullRangeUnits is the distance (in slew units) between -100ppm and
	// +100ppm.
	fullRangeUnits = 200 * SlewUnitsPerPPM

	// minRampDuration is the minimum time the output may take to sweep
	// the full range, for compatibility with slow hardware slew sinks.
	minRampDuration = 300 * time.Millisecond

	// stepInterval is how often the output is advanced toward the target.
	stepInterval = 10 * time.Millisecond
)

var slopePerMS = fullRangeUnits / float64(minRampDuration/time.Millisecond)

// PPMToSlewUnits converts a ppm value to the 16-bit signed slew control
// resolution used by the rate limiter and, ultimately, the hardware sink.
func PPMToSlewUnits(ppm float64) int32 {
	return int32(ppm * SlewUnitsPerPPM)
}

// RateLimiter enforces the "no faster than full-range in 300ms, stepped
// every 10ms" slew-application rule. Not safe for concurrent use.
type RateLimiter struct {
	current   int32
	target    int32
	rampStart int32
	changedAt time.Time
	lastStep  time.Time
	hasTarget bool
}

// SetTarget records a new target slew value; has no effect if target is
// unchanged from the current target.
func (r *RateLimiter) SetTarget(now time.Time, target int32) {
	if r.hasTarget && target == r.target {
		return
	}
	r.rampStart = r.current
	r.target = target
	r.changedAt = now
	r.lastStep = now
	r.hasTarget = true
}

// Current returns the last applied slew value.
func (r *RateLimiter) Current() int32 {
	return r.current
}

// Step advances current toward target by whatever fraction of the ramp is
// due given now, and returns the duration until the next step is needed,
// or false if the target has been reached and no further steps are
// pending.
func (r *RateLimiter) Step(now time.Time) (msUntilNext time.Duration, pending bool) {
	if !r.hasTarget || r.current == r.target {
		return 0, false
	}
	elapsed := now.Sub(r.changedAt)
	ticks := int64(elapsed / stepInterval)

	distance := float64(r.target - r.rampStart)
	sign := 1.0
	if distance < 0 {
		sign = -1.0
		distance = -distance
	}
	covered := float64(ticks) * slopePerMS * float64(stepInterval/time.Millisecond)
	if covered >= distance {
		r.current = r.target
		return 0, false
	}
	r.current = r.rampStart + int32(sign*covered)
	r.lastStep = now

	nextTickAt := r.changedAt.Add(time.Duration(ticks+1) * stepInterval)
	return nextTickAt.Sub(now), true
}
