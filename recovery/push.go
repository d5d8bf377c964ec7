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
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

// Push feeds one discipline event {local, nominalCommon, rtt} into the
// recovery loop. It returns false when the caller must treat this as a
// panic (reset clock position): the observed error exceeds the panic
// threshold, or the common clock could not convert local. A sample whose
// RTT exceeds RTTDiscardMultiple times the panic threshold is dropped and
// Push returns true; the long-absence check is left to the caller
// (LongAbsencePanic).
func (c *Controller) Push(local, nominalCommon int64, rtt time.Duration) bool {
	if rtt > RTTDiscardMultiple*c.panicThreshold {
		log.Debugf("recovery: dropping sample with rtt=%s (> %dx panic threshold)", rtt, RTTDiscardMultiple)
		return true
	}

	if !c.clock.Valid() {
		return c.pushStartup(local, nominalCommon, rtt)
	}

	observed, err := c.clock.LocalToCommon(local)
	if err != nil {
		log.Warnf("recovery: local_to_common failed mid-sync: %v", err)
		return false
	}
	rawDelta := float64(nominalCommon - observed)

	ev := &event{local: local, observed: observed, nominal: nominalCommon, rtt: rtt}
	c.mainWindow.Value = ev
	c.mainWindow = c.mainWindow.Next()
	if c.mainCount < mainWindowSize {
		c.mainCount++
	}

	minEv := c.minRTTInWindow()
	usable := minEv == ev || rtt < ControlThreshold

	var delta float64
	if usable {
		delta = rawDelta
		// delta is in common-clock units (1 MHz, i.e. microseconds), so the
		// threshold and rtt are converted from time.Duration to match.
		rttCommonUnits := float64(rtt) / float64(time.Microsecond)
		thresholdCommonUnits := float64(c.panicThreshold) / float64(time.Microsecond)
		if math.Abs(delta) > thresholdCommonUnits+rttCommonUnits {
			return false
		}
		c.lastGoodSyncRx = local
		c.rttStats.Add(float64(rtt))
	} else {
		delta = c.lastDelta - dT*(c.co-c.coBias)
	}

	c.step(delta)
	return true
}

func (c *Controller) pushStartup(local, nominalCommon int64, rtt time.Duration) bool {
	c.startupWindow.Value = &startupSample{local: local, nominal: nominalCommon, rtt: rtt}
	c.startupWindow = c.startupWindow.Next()
	if c.startupCount < startupWindowSize {
		c.startupCount++
	}
	if c.startupCount < startupWindowSize {
		return true
	}

	var best *startupSample
	c.startupWindow.Do(func(v any) {
		if v == nil {
			return
		}
		s := v.(*startupSample)
		if best == nil || s.rtt < best.rtt {
			best = s
		}
	})
	if best != nil {
		c.clock.SetBasis(best.local, best.nominal)
		c.lastGoodSyncRx = best.local
	}
	return true
}

// minRTTInWindow returns the event in the main window with the smallest
// RTT, used both for the usability test and (implicitly) for diagnostics.
func (c *Controller) minRTTInWindow() *event {
	var best *event
	c.mainWindow.Do(func(v any) {
		if v == nil {
			return
		}
		e := v.(*event)
		if best == nil || e.rtt < best.rtt {
			best = e
		}
	})
	return best
}

// step applies one iteration of the velocity-form PI loop and the bias
// tracker, per the specification's controller-step formulas.
func (c *Controller) step(delta float64) {
	dco := kc*(1+dT/ti)*delta - kc*c.lastDelta
	c.co = clamp(c.co+dco*tf, coMin, coMax)
	c.coBias = biasAlpha*c.co + (1-biasAlpha)*c.coBias
	c.lastDelta = delta
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
