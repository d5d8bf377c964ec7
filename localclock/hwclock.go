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

package localclock

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ppbPerTimexPPM is the scale used by struct timex's freq field: it stores
// ppm with a 16-bit fractional part, so 2^16 units equal 1 ppm.
// man(2) clock_adjtime.
const ppbPerTimexPPM = 65536.0

// hwFrequency is the nominal frequency we report for CLOCK_MONOTONIC: it is
// not itself counted in Hz by the kernel, but the service only cares about
// a stable, documented nominal rate to reduce to N/D against F_common.
const hwFrequency uint64 = 1_000_000_000

// HWClock reads CLOCK_MONOTONIC and, when permitted, steers it with
// clock_adjtime. Zero value is not usable; construct with NewHWClock.
type HWClock struct {
	clockID int32
}

// NewHWClock returns a Clock backed by CLOCK_MONOTONIC.
func NewHWClock() *HWClock {
	return &HWClock{clockID: unix.CLOCK_MONOTONIC}
}

// Now implements Clock.
func (c *HWClock) Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(c.clockID, &ts); err != nil {
		// CLOCK_MONOTONIC cannot fail on any supported platform; a failure
		// here means the process is in a state where nothing else works
		// either, so surface it loudly rather than return a bogus zero.
		panic(fmt.Sprintf("localclock: clock_gettime failed: %v", err))
	}
	return ts.Nano()
}

// Frequency implements Clock.
func (c *HWClock) Frequency() uint64 {
	return hwFrequency
}

// SetSlew implements Clock using the CLOCK_ADJTIME syscall, mirroring the
// kernel's struct timex freq field (ppm, 16-bit fraction).
func (c *HWClock) SetSlew(ppm int16) error {
	tx := &unix.Timex{
		Modes: unix.ADJ_FREQUENCY,
		Freq:  int64(float64(ppm) * ppbPerTimexPPM),
	}
	state, err := adjtime(c.clockID, tx)
	if err != nil {
		if err == unix.EINVAL || err == unix.EOPNOTSUPP {
			return ErrSoftwareSlewOnly
		}
		return fmt.Errorf("localclock: clock_adjtime failed: %w", err)
	}
	_ = state
	return nil
}

// adjtime issues the CLOCK_ADJTIME syscall directly: golang.org/x/sys/unix
// does not wrap it for every clock id, only CLOCK_REALTIME via
// unix.Adjtimex, so we call through unix.Syscall the same way the syscall
// is issued for arbitrary clock ids (e.g. PTP hardware clocks) elsewhere in
// the ecosystem.
func adjtime(clockID int32, buf *unix.Timex) (state int, err error) {
	r0, _, errno := unix.Syscall(unix.SYS_CLOCK_ADJTIME, uintptr(clockID), uintptr(unsafe.Pointer(buf)), 0)
	state = int(r0)
	if errno != 0 {
		err = errno
	}
	return state, err
}
