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

package statemachine

import (
	"math/rand"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/commontime/commontimed/wire"
)

// transitionTo records the role change in the state-change log and the
// process log. Callers hold m.mu; notifying listeners is left to the
// become* helpers below.
func (m *Machine) transitionTo(to Role, why string) {
	from := m.role
	m.role = to
	m.logs.recordStateChange(StateChangeRecord{At: time.Now(), From: from, To: to, Why: why})
	log.Infof("statemachine: %s -> %s (%s)", from, to, why)
}

// becomeInitial implements the full reset described in the specification:
// both recovery axes reset, timeline cleared, panic counters cleared, and
// a WhoIsMaster Request queued.
func (m *Machine) becomeInitial(why string) []Outgoing {
	hadTimeline := m.timelineID != 0
	m.recovery.Reset(true, true)
	m.timelineID = 0
	m.initRetries = 0
	m.master = masterInfo{}
	m.roninRetries = 0
	m.transitionTo(RoleInitial, why)
	m.lastMasterAnnounceAt = m.local.Now()
	if hadTimeline {
		m.notifier.NotifyTimelineChanged(0)
	}
	return []Outgoing{m.whoIsMasterRequest()}
}

// becomeMaster assigns a fresh timeline id if none is held, resets the
// basis to (now, 0), clears the low-priority hold-off, and announces.
func (m *Machine) becomeMaster(why string) []Outgoing {
	if m.timelineID == 0 {
		m.timelineID = randomNonZeroTimelineID(m.randSource)
	}
	m.common.SetBasis(m.local.Now(), 0)
	m.forceLowPriority = false
	m.master = masterInfo{}
	m.transitionTo(RoleMaster, why)
	m.lastMasterAnnounceAt = m.local.Now()
	m.notifier.NotifyTimelineChanged(m.timelineID)
	return []Outgoing{m.masterAnnouncement()}
}

// becomeClient sets the new master's identity, invalidating the basis (and
// notifying of the loss) first if the timeline is changing, and sends an
// immediate jittered Sync Request.
func (m *Machine) becomeClient(endpoint *net.UDPAddr, deviceID uint64, priority uint8, newTimeline uint64, why string) []Outgoing {
	if newTimeline != m.timelineID {
		if m.timelineID != 0 {
			m.common.ResetBasis()
			m.notifier.NotifyTimelineChanged(0)
		}
		m.timelineID = newTimeline
	}
	m.master = masterInfo{
		endpoint:        endpoint,
		deviceID:        deviceID,
		priority:        priority,
		firstSyncTx:     m.local.Now(),
		skippedFirstAck: false,
	}
	m.transitionTo(RoleClient, why)

	// uniform 0-100ms jitter on the very first sync request, so a flood of
	// peers adopting the same new master don't all hit it in lockstep.
	jitter := randomJitter(m.randSource, 100)
	m.lastClientSyncAt = m.local.Now() + int64(jitter)
	return []Outgoing{{Packet: m.syncRequest(), Dest: endpoint}}
}

// becomeRonin enters Ronin and starts WhoIsMaster sweeps if the common
// clock still has a valid basis (we have something worth defending);
// otherwise we have never synced and belong back in Initial.
func (m *Machine) becomeRonin(why string) []Outgoing {
	if !m.common.Valid() {
		return m.becomeInitial("never synced, ronin requires a valid basis")
	}
	m.master = masterInfo{}
	m.roninRetries = 0
	m.transitionTo(RoleRonin, why)
	m.lastMasterAnnounceAt = m.local.Now()
	return []Outgoing{m.whoIsMasterRequest()}
}

// becomeWaitForElection defers to a peer that out-arbitrated us without
// discarding our own master bookkeeping.
func (m *Machine) becomeWaitForElection(why string) []Outgoing {
	m.waitForElectionDeadline = m.local.Now() + int64(WaitForElectionTimeout)
	m.transitionTo(RoleWaitForElection, why)
	return nil
}

func randomNonZeroTimelineID(r *rand.Rand) uint64 {
	if r == nil {
		return 1
	}
	for {
		id := r.Uint64()
		if id != 0 {
			return id
		}
	}
}

// whoIsMasterRequest tags the request with the timeline we currently hold
// (zero in Initial, where we hold none yet; the timeline being defended in
// Ronin), matching the rule that every outbound packet carries the
// sender's current timeline id.
func (m *Machine) whoIsMasterRequest() Outgoing {
	return Outgoing{
		Packet: &wire.WhoIsMasterRequest{
			Hdr:      wire.Header{TimelineID: m.timelineID, GroupID: m.cfg.GroupID},
			Priority: m.effectivePriority(),
			DeviceID: m.deviceID,
		},
		Dest: m.cfg.ElectionEndpoint,
	}
}

func (m *Machine) masterAnnouncement() Outgoing {
	return Outgoing{
		Packet: &wire.MasterAnnouncement{
			Hdr:      wire.Header{TimelineID: m.timelineID, GroupID: m.cfg.GroupID},
			Priority: m.effectivePriority(),
			DeviceID: m.deviceID,
		},
		Dest: m.cfg.ElectionEndpoint,
	}
}

func (m *Machine) syncRequest() wire.Packet {
	return &wire.SyncRequest{
		Hdr:           wire.Header{TimelineID: m.timelineID, GroupID: m.cfg.GroupID},
		ClientTxLocal: m.local.Now(),
	}
}
