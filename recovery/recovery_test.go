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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/commontime/commontimed/commonclock"
)

func TestStartupBufferSeedsBasisFromMinRTT(t *testing.T) {
	cc, err := commonclock.New(1_000_000_000)
	require.NoError(t, err)
	ctl := New(cc)

	require.True(t, ctl.Push(100, 1000, 5*time.Millisecond))
	require.True(t, ctl.Push(200, 1100, 2*time.Millisecond))
	require.True(t, ctl.Push(300, 1200, 9*time.Millisecond))
	require.False(t, cc.Valid())
	require.True(t, ctl.Push(400, 1300, 1*time.Millisecond))

	require.True(t, cc.Valid())
	// the 4th sample (local=400, rtt=1ms) had the lowest RTT.
	c, err := cc.LocalToCommon(400)
	require.NoError(t, err)
	require.EqualValues(t, 1300, c)
}

func TestPushPanicsOnGrossError(t *testing.T) {
	cc, err := commonclock.New(1_000_000_000)
	require.NoError(t, err)
	cc.SetBasis(0, 0)
	ctl := New(cc)
	ctl.SetPanicThreshold(1 * time.Millisecond)

	ok := ctl.Push(1_000_000_000, 1_000_000_000+int64(100*time.Millisecond), 1*time.Millisecond)
	require.False(t, ok)
}

func TestPushDiscardsHugeRTT(t *testing.T) {
	cc, err := commonclock.New(1_000_000_000)
	require.NoError(t, err)
	cc.SetBasis(0, 0)
	ctl := New(cc)

	ok := ctl.Push(1_000_000_000, 1_000_000_000, 251*time.Millisecond)
	require.True(t, ok, "a dropped sample is not itself a panic")
}

func TestRTTAtExactlyFiveXThresholdIsConsidered(t *testing.T) {
	cc, err := commonclock.New(1_000_000_000)
	require.NoError(t, err)
	cc.SetBasis(0, 0)
	ctl := New(cc)

	rtt := time.Duration(RTTDiscardMultiple) * DefaultPanicThreshold
	ok := ctl.Push(1_000_000_000, 1_000_100, rtt)
	require.True(t, ok)
	require.NotZero(t, ctl.CO(), "a sample at exactly 5x threshold must still reach the controller")
}

func TestResetClearsWindowAndController(t *testing.T) {
	cc, err := commonclock.New(1_000_000_000)
	require.NoError(t, err)
	cc.SetBasis(0, 0)
	ctl := New(cc)
	ctl.Push(1_000_000_000, 1_000_100, 1*time.Millisecond)
	require.NotZero(t, ctl.CO())

	ctl.Reset(false, true)
	require.Zero(t, ctl.CO())
}

func TestRateLimiterReachesTargetNoFasterThan300ms(t *testing.T) {
	var rl RateLimiter
	t0 := time.Now()
	// settle at -100ppm first so the ramp below sweeps the full
	// -100ppm -> +100ppm range the 300ms floor applies to.
	rl.SetTarget(t0, PPMToSlewUnits(-100))
	rl.Step(t0.Add(time.Second))
	t0 = t0.Add(time.Second)
	rl.SetTarget(t0, PPMToSlewUnits(100))

	var last time.Duration
	var elapsed time.Duration
	for {
		wait, pending := rl.Step(t0.Add(elapsed))
		if !pending {
			break
		}
		require.LessOrEqual(t, wait, 11*time.Millisecond)
		elapsed += 10 * time.Millisecond
		last = elapsed
		require.Less(t, elapsed, 400*time.Millisecond, "ramp should have finished well before 400ms")
	}
	require.GreaterOrEqual(t, last, 299*time.Millisecond)
	require.Equal(t, PPMToSlewUnits(100), rl.Current())
}

func TestRateLimiterMonotonic(t *testing.T) {
	var rl RateLimiter
	t0 := time.Now()
	rl.SetTarget(t0, PPMToSlewUnits(100))
	rl.SetTarget(t0, PPMToSlewUnits(-100))

	prev := rl.Current()
	for elapsed := time.Duration(0); elapsed < 310*time.Millisecond; elapsed += 10 * time.Millisecond {
		rl.Step(t0.Add(elapsed))
		require.LessOrEqual(t, rl.Current(), prev)
		prev = rl.Current()
	}
}
