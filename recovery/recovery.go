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

/*
Package recovery turns noisy round-trip-time discipline events into a
smooth slew command: a velocity-form PI loop with a low-pass-filtered
output and a separate bias tracker, plus outlier rejection and a panic
check for gross errors. It never slews a clock directly; the state machine
reads the computed ppm and hands it to localclock.Clock.SetSlew. When that
reports ErrSoftwareSlewOnly, commonclock.Clock.SetSlew is not called in its
place, so no slew is applied.
*/
package recovery

import (
	"container/ring"
	"math"
	"time"

	"github.com/eclesh/welford"
)

const (
	dT    = 1.0
	kc    = 1.0
	ti    = 15.0
	tf    = 0.05
	biasFc = 0.01 // Hz

	coMin = -100.0
	coMax = 100.0

	// mainWindowSize is N in the specification: the number of discipline
	// events kept for outlier rejection and minimum-RTT selection.
	mainWindowSize = 16
	// startupWindowSize is the small buffer used only before the common
	// clock has a basis, to pick the lowest-RTT sample to seed it.
	startupWindowSize = 4

	// ControlThreshold is the RTT below which an event is always usable
	// for the controller even if it is not the window's minimum.
	ControlThreshold = 10 * time.Millisecond

	// DefaultPanicThreshold is the default bound on acceptable discipline
	// error before the caller must reset clock position.
	DefaultPanicThreshold = 50 * time.Millisecond

	// RTTDiscardMultiple events with RTT above this multiple of the panic
	// threshold are dropped outright rather than fed to the controller.
	RTTDiscardMultiple = 5

	// LongAbsence is how long without a usable sample before the long
	// absence panic fires.
	LongAbsence = 600 * time.Second
)

var biasAlpha = dT / ((dT / (2 * math.Pi * biasFc)) + dT)

// event is one discipline sample held in the main filter window.
type event struct {
	local    int64
	observed int64 // common time at arrival, per the clock basis at push time
	nominal  int64 // common time claimed by the master
	rtt      time.Duration
}

// startupSample is held in the small pre-basis buffer.
type startupSample struct {
	local   int64
	nominal int64
	rtt     time.Duration
}

// BasisSetter is the subset of commonclock.Clock the controller needs to
// seed and query the basis; kept as an interface so tests can use a stub.
type BasisSetter interface {
	Valid() bool
	SetBasis(local, common int64)
	ResetBasis()
	LocalToCommon(local int64) (int64, error)
}

// Controller is the PI velocity-form servo described in the clock recovery
// specification. Not safe for concurrent use; callers (the state machine)
// serialize access the same way the original serializes with a single
// clock-recovery lock.
type Controller struct {
	clock BasisSetter

	co       float64
	coBias   float64
	lastDelta float64

	mainWindow *ring.Ring
	mainCount  int

	startupWindow *ring.Ring
	startupCount  int

	panicThreshold time.Duration

	lastGoodSyncRx int64
	rttStats       *welford.Stats
}

// New constructs a Controller bound to clock, which it will seed via
// SetBasis once the startup buffer fills.
func New(clock BasisSetter) *Controller {
	return &Controller{
		clock:          clock,
		panicThreshold: DefaultPanicThreshold,
		mainWindow:     ring.New(mainWindowSize),
		startupWindow:  ring.New(startupWindowSize),
		rttStats:       welford.New(),
	}
}

// SetPanicThreshold overrides the default 50ms bound (config facet).
func (c *Controller) SetPanicThreshold(d time.Duration) {
	c.panicThreshold = d
}

// CO returns the current controller output in ppm, clamped to [-100,100].
func (c *Controller) CO() float64 {
	return c.co
}

// RTTStats exposes the running mean/stddev of accepted RTTs, for the
// diagnostic facet only; it plays no part in the control loop itself.
func (c *Controller) RTTStats() (mean, stddev float64) {
	return c.rttStats.Mean(), c.rttStats.Stddev()
}

// LastGoodSyncRx returns the local time of the last event accepted as
// usable real data (not extrapolated, not dropped).
func (c *Controller) LastGoodSyncRx() int64 {
	return c.lastGoodSyncRx
}

// Reset implements the spec's reset(position, frequency) operation.
func (c *Controller) Reset(position, frequency bool) {
	if position {
		c.clock.ResetBasis()
		c.startupWindow = ring.New(startupWindowSize)
		c.startupCount = 0
	}
	if frequency {
		c.co = 0
		c.coBias = 0
		c.lastDelta = 0
	}
	c.mainWindow = ring.New(mainWindowSize)
	c.mainCount = 0
	c.rttStats = welford.New()
}
