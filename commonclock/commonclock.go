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
Package commonclock holds the piecewise-linear transform between a device's
local time and the shared "common time" timeline published by the elected
master: C = C0 + (L - L0) * N / D, where N/D is the reduced fraction
F_common / F_local further scaled by the current software slew.

All arithmetic is checked: any step that would overflow a 64-bit result
returns an error instead of wrapping, per the overflow policy in the
specification this package implements.
*/
package commonclock

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

// FCommon is the fixed nominal frequency of the common timeline, 1MHz.
const FCommon uint64 = 1_000_000

// ppmDenominator is the fixed-point denominator slew is expressed against:
// N' = N * (1_000_000 + ppm), D' = D * 1_000_000.
const ppmDenominator = 1_000_000

// ErrInvalid is returned by the transform operations when no basis has been
// established yet (reset_basis was called, or init never ran).
var ErrInvalid = errors.New("commonclock: basis not valid")

// ErrOverflow is returned whenever an intermediate or final value would not
// fit in the checked arithmetic used by the transform.
var ErrOverflow = errors.New("commonclock: arithmetic overflow")

// Clock holds the current linear transform and its basis. The zero value is
// not usable; construct with New.
type Clock struct {
	mu sync.Mutex

	valid bool
	l0    int64
	c0    int64
	n     uint64
	d     uint64

	slewPPM int32
}

// New reduces FCommon/fLocal to lowest terms and returns a Clock with no
// basis set (valid == false) until SetBasis is called.
func New(fLocal uint64) (*Clock, error) {
	if fLocal == 0 {
		return nil, fmt.Errorf("commonclock: fLocal must be nonzero")
	}
	n, d := reduce(FCommon, fLocal)
	if n > math32Max || d > math32Max {
		return nil, fmt.Errorf("%w: reduced fraction %d/%d exceeds 32 bits", ErrOverflow, n, d)
	}
	return &Clock{n: n, d: d}, nil
}

const math32Max = (1 << 32) - 1

func reduce(a, b uint64) (uint64, uint64) {
	g := gcd(a, b)
	if g == 0 {
		return a, b
	}
	return a / g, b / g
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// SetBasis sets the reference points (L0, C0) and marks the clock valid.
func (c *Clock) SetBasis(l, cVal int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l0 = l
	c.c0 = cVal
	c.valid = true
}

// ResetBasis invalidates the clock: LocalToCommon/CommonToLocal fail until
// the next SetBasis.
func (c *Clock) ResetBasis() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}

// Valid reports whether a basis is currently set.
func (c *Clock) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

// effectiveND returns N*(1e6+slewPPM) and D*1e6, reduced, without holding
// the lock (callers must hold it).
func (c *Clock) effectiveND() (uint64, uint64, error) {
	var numScale uint64
	if c.slewPPM >= 0 {
		numScale = ppmDenominator + uint64(c.slewPPM)
	} else {
		if uint64(-c.slewPPM) > ppmDenominator {
			return 0, 0, fmt.Errorf("%w: slew %d ppm would make N negative", ErrOverflow, c.slewPPM)
		}
		numScale = ppmDenominator - uint64(-c.slewPPM)
	}
	n, overflow := checkedMul(c.n, numScale)
	if overflow {
		return 0, 0, ErrOverflow
	}
	d, overflow := checkedMul(c.d, ppmDenominator)
	if overflow {
		return 0, 0, ErrOverflow
	}
	rn, rd := reduce(n, d)
	return rn, rd, nil
}

// checkedMul multiplies two uint64s using the full 128-bit product and
// reports overflow if the high word is nonzero.
func checkedMul(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi != 0
}

// LocalToCommon applies the affine transform C = C0 + (L-L0)*N/D.
func (c *Clock) LocalToCommon(l int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return 0, ErrInvalid
	}
	n, d, err := c.effectiveND()
	if err != nil {
		return 0, err
	}
	diff := l - c.l0
	if (c.l0 > 0 && diff > l) || (c.l0 < 0 && diff < l) {
		return 0, ErrOverflow
	}
	delta, err := scaledDelta(diff, n, d)
	if err != nil {
		return 0, err
	}
	sum := c.c0 + delta
	if (delta > 0 && sum < c.c0) || (delta < 0 && sum > c.c0) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// CommonToLocal applies the inverse transform L = L0 + (C-C0)*D/N.
func (c *Clock) CommonToLocal(cVal int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return 0, ErrInvalid
	}
	n, d, err := c.effectiveND()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: zero-rate basis", ErrOverflow)
	}
	diff := cVal - c.c0
	if (c.c0 > 0 && diff > cVal) || (c.c0 < 0 && diff < cVal) {
		return 0, ErrOverflow
	}
	delta, err := scaledDelta(diff, d, n)
	if err != nil {
		return 0, err
	}
	sum := c.l0 + delta
	if (delta > 0 && sum < c.l0) || (delta < 0 && sum > c.l0) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// scaledDelta computes diff*num/den as a signed 64-bit value, checked for
// overflow in the intermediate 128-bit product.
func scaledDelta(diff int64, num, den uint64) (int64, error) {
	neg := diff < 0
	udiff := uint64(diff)
	if neg {
		udiff = uint64(-diff)
	}
	hi, lo := bits.Mul64(udiff, num)
	if hi >= den {
		// the quotient would not fit in 64 bits (bits.Div64 panics here)
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, den)
	if q > 1<<63 || (q == 1<<63 && !neg) {
		return 0, ErrOverflow
	}
	result := int64(q)
	if neg {
		result = -result
	}
	return result, nil
}

// SetSlew records a new basis at L=lChange (to the value the old transform
// would have produced there) and recomputes N'/D' with the new ppm trim, so
// the piecewise-linear function stays continuous at the seam.
func (c *Clock) SetSlew(lChange int64, ppm int32) error {
	c.mu.Lock()
	cAtChange, err := c.localToCommonLocked(lChange)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.l0 = lChange
	c.c0 = cAtChange
	c.slewPPM = ppm
	_, _, err = c.effectiveND()
	c.mu.Unlock()
	return err
}

func (c *Clock) localToCommonLocked(l int64) (int64, error) {
	if !c.valid {
		return 0, ErrInvalid
	}
	n, d, err := c.effectiveND()
	if err != nil {
		return 0, err
	}
	diff := l - c.l0
	if (c.l0 > 0 && diff > l) || (c.l0 < 0 && diff < l) {
		return 0, ErrOverflow
	}
	delta, err := scaledDelta(diff, n, d)
	if err != nil {
		return 0, err
	}
	sum := c.c0 + delta
	if (delta > 0 && sum < c.c0) || (delta < 0 && sum > c.c0) {
		return 0, ErrOverflow
	}
	return sum, nil
}
