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

// LongAbsencePanic reports whether more than LongAbsence has elapsed since
// the later of firstSyncTx and the last accepted good sync response,
// without any usable data arriving in between. The caller (state machine)
// supplies firstSyncTx because it alone knows when the current master
// relationship started sending sync requests.
func (c *Controller) LongAbsencePanic(nowLocal, firstSyncTx int64, localFreqHz uint64) bool {
	reference := firstSyncTx
	if c.lastGoodSyncRx > reference {
		reference = c.lastGoodSyncRx
	}
	elapsedTicks := nowLocal - reference
	if elapsedTicks < 0 {
		return false
	}
	thresholdTicks := int64(LongAbsence.Seconds() * float64(localFreqHz))
	return elapsedTicks > thresholdTicks
}
