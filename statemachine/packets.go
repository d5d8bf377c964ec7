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
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/commontime/commontimed/election"
	"github.com/commontime/commontimed/recovery"
	"github.com/commontime/commontimed/wire"
)

// HandlePacket dispatches a decoded packet from the given source address
// into the appropriate per-type handler and returns whatever packets must
// be sent in response. Called by eventloop with state_lock equivalent
// held for the duration.
func (m *Machine) HandlePacket(pkt wire.Packet, from *net.UDPAddr) []Outgoing {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch p := pkt.(type) {
	case *wire.WhoIsMasterRequest:
		return m.onWhoIsMasterRequest(p, from)
	case *wire.WhoIsMasterResponse:
		return m.onWhoIsMasterResponse(p, from)
	case *wire.SyncRequest:
		return m.onSyncRequest(p, from)
	case *wire.SyncResponse:
		return m.onSyncResponse(p, from)
	case *wire.MasterAnnouncement:
		return m.onMasterAnnouncement(p, from)
	default:
		log.Warnf("statemachine: unhandled packet type %T", pkt)
		return nil
	}
}

func (m *Machine) onWhoIsMasterRequest(p *wire.WhoIsMasterRequest, from *net.UDPAddr) []Outgoing {
	switch m.role {
	case RoleMaster:
		if p.Hdr.TimelineID != 0 && p.Hdr.TimelineID != m.timelineID {
			return nil
		}
		m.forceLowPriority = false
		return []Outgoing{{
			Packet: &wire.WhoIsMasterResponse{
				Hdr:      wire.Header{TimelineID: m.timelineID, GroupID: m.cfg.GroupID},
				Priority: m.effectivePriority(),
				DeviceID: m.deviceID,
			},
			Dest: from,
		}}

	case RoleRonin:
		if p.Hdr.TimelineID != m.timelineID {
			return nil
		}
		peer := election.Candidate{DeviceID: p.DeviceID, EffectivePriority: p.Priority}
		m.logs.recordElection(ElectionRecord{At: time.Now(), PeerDevice: p.DeviceID, WeWon: !election.Beats(peer, m.self())})
		if election.Beats(peer, m.self()) {
			return m.becomeWaitForElection("peer out-arbitrated us while Ronin")
		}
		return nil

	case RoleInitial:
		if p.Hdr.TimelineID == 0 {
			peer := election.Candidate{DeviceID: p.DeviceID, EffectivePriority: p.Priority}
			if election.Beats(peer, m.self()) {
				// reset our retry counter so the better peer times out to
				// Master first.
				m.initRetries = 0
			}
		}
		return nil

	default:
		return nil
	}
}

func (m *Machine) onWhoIsMasterResponse(p *wire.WhoIsMasterResponse, from *net.UDPAddr) []Outgoing {
	peer := election.Candidate{DeviceID: p.DeviceID, EffectivePriority: p.Priority}

	switch m.role {
	case RoleInitial, RoleRonin:
		return m.becomeClient(from, p.DeviceID, p.Priority, p.Hdr.TimelineID, "WhoIsMasterResponse")

	case RoleClient:
		current := election.Candidate{DeviceID: m.master.deviceID, EffectivePriority: m.master.priority}
		if election.Beats(peer, current) {
			return m.becomeClient(from, p.DeviceID, p.Priority, p.Hdr.TimelineID, "better master responded")
		}
		return nil

	default:
		return nil
	}
}

func (m *Machine) onSyncRequest(p *wire.SyncRequest, from *net.UDPAddr) []Outgoing {
	if m.role != RoleMaster {
		return nil
	}
	if p.Hdr.TimelineID != m.timelineID {
		return []Outgoing{{
			Packet: &wire.SyncResponse{
				Hdr: wire.Header{TimelineID: m.timelineID, GroupID: m.cfg.GroupID},
				NAK: 1,
			},
			Dest: from,
		}}
	}
	rxCommon, err := m.common.LocalToCommon(m.local.Now())
	if err != nil {
		log.Warnf("statemachine: master's own common clock invalid while answering sync: %v", err)
		return nil
	}
	m.forceLowPriority = false
	txCommon, err := m.common.LocalToCommon(m.local.Now())
	if err != nil {
		return nil
	}
	return []Outgoing{{
		Packet: &wire.SyncResponse{
			Hdr:            wire.Header{TimelineID: m.timelineID, GroupID: m.cfg.GroupID},
			ClientTxLocal:  p.ClientTxLocal,
			MasterRxCommon: rxCommon,
			MasterTxCommon: txCommon,
		},
		Dest: from,
	}}
}

func (m *Machine) onSyncResponse(p *wire.SyncResponse, from *net.UDPAddr) []Outgoing {
	if m.role != RoleClient {
		return nil
	}
	if m.master.endpoint == nil || from.String() != m.master.endpoint.String() {
		m.logs.recordBadPacket(BadPacketRecord{At: time.Now(), From: from.String(), Err: "sync response from non-master endpoint"})
		return nil
	}
	if !m.master.skippedFirstAck {
		// ARP warm-up: the very first response after changing master is
		// skipped so a stale cached route doesn't poison the filter.
		m.master.skippedFirstAck = true
		return nil
	}
	if p.NAK != 0 {
		return m.becomeRonin("sync NAK from master")
	}

	now := m.local.Now()
	rtt := time.Duration(now - p.ClientTxLocal)
	if rtt < 0 {
		rtt = 0
	}

	if rtt > recovery.RTTDiscardMultiple*m.cfg.PanicThreshold {
		if m.recovery.LongAbsencePanic(now, m.master.firstSyncTx, m.local.Frequency()) {
			return m.becomeInitial("long absence of usable sync data")
		}
		return nil
	}

	// average both ends of the round trip rather than using the raw tx
	// timestamps, so the path delay cancels out when the request and
	// response legs take equal time; any asymmetry between the legs still
	// shows up as an offset.
	avgLocal := (p.ClientTxLocal + now) / 2
	avgCommon := (p.MasterTxCommon + p.MasterRxCommon) / 2

	ok := m.recovery.Push(avgLocal, avgCommon, rtt)
	if !ok {
		return m.becomeInitial("discipline panic")
	}
	m.master.retries = 0
	m.notifier.NotifyTimelineChanged(m.timelineID)
	return nil
}

func (m *Machine) onMasterAnnouncement(p *wire.MasterAnnouncement, from *net.UDPAddr) []Outgoing {
	peer := election.Candidate{DeviceID: p.DeviceID, EffectivePriority: p.Priority}

	switch m.role {
	case RoleMaster:
		if election.Beats(peer, m.self()) {
			return m.becomeClient(from, p.DeviceID, p.Priority, p.Hdr.TimelineID, "out-arbitrated while Master")
		}
		return nil

	case RoleClient:
		current := election.Candidate{DeviceID: m.master.deviceID, EffectivePriority: m.master.priority}
		if election.Beats(peer, current) {
			return m.becomeClient(from, p.DeviceID, p.Priority, p.Hdr.TimelineID, "better master announced")
		}
		return nil

	case RoleInitial, RoleRonin, RoleWaitForElection:
		return m.becomeClient(from, p.DeviceID, p.Priority, p.Hdr.TimelineID, "master announcement")

	default:
		return nil
	}
}
