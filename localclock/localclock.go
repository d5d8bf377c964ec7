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
Package localclock wraps the device's monotonic hardware counter: a fixed
frequency, freely running oscillator read through L(t) and, where the OS
permits it, steered by an integer parts-per-million trim.
*/
package localclock

import "errors"

// ErrSoftwareSlewOnly is returned by SetSlew when the underlying clock has
// no hardware frequency-trim facility; commonclock.Clock.SetSlew is the
// software alternative.
var ErrSoftwareSlewOnly = errors.New("localclock: hardware slew unavailable, use software slew")

// Clock is the minimal surface the rest of the service needs from a local
// oscillator: a monotonic reading, a nominal frequency, and an optional
// hardware trim.
type Clock interface {
	// Now returns the current reading of L(t) in nanoseconds-like units.
	Now() int64
	// Frequency returns F_local in Hz.
	Frequency() uint64
	// SetSlew requests a hardware frequency trim of ppm parts per million.
	// Returns ErrSoftwareSlewOnly if the clock cannot be trimmed directly.
	SetSlew(ppm int16) error
}
