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
Package election implements master arbitration: given two candidates, who
wins. It is pure and side-effect-free by design, the same way the teacher
repo's best-master-clock comparator is a standalone function over two
Announce messages rather than a method with hidden state.
*/
package election

// Candidate is the pair of values arbitration compares: a node's 56-bit
// device id and its effective (8-bit, low-priority-hold-off-adjusted)
// priority.
type Candidate struct {
	DeviceID          uint64
	EffectivePriority uint8
}

// EffectivePriority combines a configured 7-bit priority with the
// transient low-priority hold-off bit: the high bit is set (favored)
// normally, and cleared on a node that has just joined the network, so it
// defers to any incumbent.
func EffectivePriority(configured uint8, forceLow bool) uint8 {
	p := configured & 0x7f
	if !forceLow {
		p |= 0x80
	}
	return p
}

// Beats reports whether a wins arbitration against b: higher effective
// priority wins; ties break on higher device id.
func Beats(a, b Candidate) bool {
	if a.EffectivePriority != b.EffectivePriority {
		return a.EffectivePriority > b.EffectivePriority
	}
	return a.DeviceID > b.DeviceID
}
