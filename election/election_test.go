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

package election

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHigherPriorityWins(t *testing.T) {
	a := Candidate{DeviceID: 1, EffectivePriority: 10}
	b := Candidate{DeviceID: 2, EffectivePriority: 20}
	require.False(t, Beats(a, b))
	require.True(t, Beats(b, a))
}

func TestTieBreaksOnDeviceID(t *testing.T) {
	a := Candidate{DeviceID: 0xAA, EffectivePriority: 5}
	b := Candidate{DeviceID: 0xBB, EffectivePriority: 5}
	require.True(t, Beats(b, a))
	require.False(t, Beats(a, b))
}

func TestAntisymmetric(t *testing.T) {
	candidates := []Candidate{
		{DeviceID: 1, EffectivePriority: 10},
		{DeviceID: 2, EffectivePriority: 10},
		{DeviceID: 1, EffectivePriority: 20},
		{DeviceID: 5, EffectivePriority: 5},
	}
	for _, a := range candidates {
		for _, b := range candidates {
			if a == b {
				continue
			}
			require.NotEqual(t, Beats(a, b), Beats(b, a))
		}
	}
}

func TestTransitive(t *testing.T) {
	a := Candidate{DeviceID: 1, EffectivePriority: 5}
	b := Candidate{DeviceID: 1, EffectivePriority: 10}
	c := Candidate{DeviceID: 1, EffectivePriority: 20}
	require.True(t, Beats(c, b))
	require.True(t, Beats(b, a))
	require.True(t, Beats(c, a))
}

func TestEffectivePriorityHoldOff(t *testing.T) {
	require.Equal(t, uint8(0x80|5), EffectivePriority(5, false))
	require.Equal(t, uint8(5), EffectivePriority(5, true))

	incumbent := Candidate{DeviceID: 1, EffectivePriority: EffectivePriority(0, false)}
	joiner := Candidate{DeviceID: 0xFFFFFFFFFFFF, EffectivePriority: EffectivePriority(127, true)}
	require.True(t, Beats(incumbent, joiner), "a freshly-joined node must defer to any incumbent")
}
