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
	"math"
	"time"

	"github.com/commontime/commontimed/recovery"
)

// Tick is called by the eventloop on its fixed 10ms ticker and on every
// wakeup, and returns whatever packets the elapsed time requires sending;
// each role's retry, sync and announce timers are checked against now on
// every call. now is local clock time.
func (m *Machine) Tick(now int64) []Outgoing {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.applySlew(now)

	switch m.role {
	case RoleInitial:
		out = append(out, m.tickInitial(now)...)
	case RoleClient:
		out = append(out, m.tickClient(now)...)
	case RoleMaster:
		out = append(out, m.tickMaster(now)...)
	case RoleRonin:
		out = append(out, m.tickRonin(now)...)
	case RoleWaitForElection:
		out = append(out, m.tickWaitForElection(now)...)
	}
	return out
}

// applySlew feeds the recovery controller's current output through the
// rate limiter and pushes the result to the local clock. It runs
// regardless of role so an in-progress ramp finishes even across a role
// change.
func (m *Machine) applySlew(now int64) []Outgoing {
	target := recovery.PPMToSlewUnits(m.recovery.CO())
	wallNow := time.Unix(0, now)
	m.rateLimiter.SetTarget(wallNow, target)
	m.rateLimiter.Step(wallNow)

	ppm := float64(m.rateLimiter.Current()) / recovery.SlewUnitsPerPPM
	if err := m.local.SetSlew(int16(math.Round(ppm))); err != nil {
		// Hardware slew unsupported: the error is dropped and no software
		// slew is applied to the common clock in its place.
		_ = err
	}
	return nil
}

func (m *Machine) tickInitial(now int64) []Outgoing {
	if now-m.lastMasterAnnounceAt < int64(InitRetryPeriod) {
		return nil
	}
	if m.initRetries >= InitRetryLimit {
		if m.cfg.AutoDisable {
			// parked: never self-promote, just keep listening.
			m.lastMasterAnnounceAt = now
			return nil
		}
		return m.becomeMaster("no WhoIsMaster response received, assuming master")
	}
	m.initRetries++
	m.lastMasterAnnounceAt = now
	return []Outgoing{m.whoIsMasterRequest()}
}

func (m *Machine) tickRonin(now int64) []Outgoing {
	if now-m.lastMasterAnnounceAt < int64(RoninRetryPeriod) {
		return nil
	}
	if m.roninRetries >= RoninRetryLimit {
		if m.cfg.AutoDisable {
			m.lastMasterAnnounceAt = now
			return nil
		}
		return m.becomeMaster("ronin sweep exhausted, reclaiming mastership")
	}
	m.roninRetries++
	m.lastMasterAnnounceAt = now
	return []Outgoing{m.whoIsMasterRequest()}
}

func (m *Machine) tickWaitForElection(now int64) []Outgoing {
	if now < m.waitForElectionDeadline {
		return nil
	}
	return m.becomeRonin("wait-for-election timeout, resuming sweep")
}

func (m *Machine) tickMaster(now int64) []Outgoing {
	if now-m.lastMasterAnnounceAt < int64(m.cfg.MasterAnnounceInterval) {
		return nil
	}
	m.lastMasterAnnounceAt = now
	return []Outgoing{m.masterAnnouncement()}
}

func (m *Machine) tickClient(now int64) []Outgoing {
	if now < m.lastClientSyncAt {
		// still inside the initial jitter delay
		return nil
	}
	if now-m.lastClientSyncAt < int64(m.cfg.ClientSyncInterval) {
		return nil
	}
	if m.master.retries >= ClientRetryLimit {
		return m.becomeRonin("master stopped answering sync requests")
	}
	m.master.retries++
	m.lastClientSyncAt = now
	return []Outgoing{{Packet: m.syncRequest(), Dest: m.master.endpoint}}
}
