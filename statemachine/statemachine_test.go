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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/commontime/commontimed/commonclock"
	"github.com/commontime/commontimed/localclock"
	"github.com/commontime/commontimed/recovery"
	"github.com/commontime/commontimed/wire"
)

func newTestMachine(t *testing.T, deviceID uint64, priority uint8) (*Machine, *localclock.FakeClock) {
	t.Helper()
	clock := localclock.NewFakeClock(1_000_000_000)
	common, err := commonclock.New(clock.Frequency())
	require.NoError(t, err)
	rec := recovery.New(common)

	cfg := DefaultConfig()
	cfg.Priority = priority
	cfg.ElectionEndpoint = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 1), Port: 8886}

	return New(deviceID, cfg, clock, common, rec), clock
}

func TestSoloBootBecomesMaster(t *testing.T) {
	m, clock := newTestMachine(t, 1, 1)
	require.Equal(t, RoleInitial, m.Role())

	var out []Outgoing
	for i := 0; i <= InitRetryLimit; i++ {
		clock.Advance(int64(InitRetryPeriod) + 1)
		out = m.Tick(clock.Now())
	}
	require.Equal(t, RoleMaster, m.Role())
	require.Len(t, out, 1)
	_, ok := out[0].Packet.(*wire.MasterAnnouncement)
	require.True(t, ok)
}

func TestClientJoinsViaWhoIsMasterResponse(t *testing.T) {
	m, _ := newTestMachine(t, 2, 1)
	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 8886}

	out := m.HandlePacket(&wire.WhoIsMasterResponse{
		Hdr:      wire.Header{TimelineID: 42},
		Priority: 0x81,
		DeviceID: 99,
	}, from)

	require.Equal(t, RoleClient, m.Role())
	require.Len(t, out, 1)
	_, ok := out[0].Packet.(*wire.SyncRequest)
	require.True(t, ok)
	require.Equal(t, from, m.MasterEndpoint())
}

func TestMasterDisappearsClientBecomesRonin(t *testing.T) {
	m, clock := newTestMachine(t, 2, 1)
	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 8886}
	m.HandlePacket(&wire.WhoIsMasterResponse{Hdr: wire.Header{TimelineID: 42}, Priority: 0x81, DeviceID: 99}, from)
	require.Equal(t, RoleClient, m.Role())

	// Seed a valid common-time basis directly; normally this comes from a
	// successful sync exchange, which we are deliberately not simulating
	// since we want the master to go silent.
	m.common.SetBasis(clock.Now(), 0)

	var out []Outgoing
	for i := 0; i < ClientRetryLimit+5; i++ {
		clock.Advance(int64(DefaultClientSyncInterval) + 1)
		if o := m.Tick(clock.Now()); len(o) > 0 {
			out = o
		}
		if m.Role() == RoleRonin {
			break
		}
	}
	require.Equal(t, RoleRonin, m.Role())
	require.Len(t, out, 1)
	_, ok := out[0].Packet.(*wire.WhoIsMasterRequest)
	require.True(t, ok)
}

func TestHigherPriorityAnnouncementPreemptsMaster(t *testing.T) {
	m, clock := newTestMachine(t, 1, 1)
	for i := 0; i <= InitRetryLimit; i++ {
		clock.Advance(int64(InitRetryPeriod) + 1)
		m.Tick(clock.Now())
	}
	require.Equal(t, RoleMaster, m.Role())

	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 8886}
	out := m.HandlePacket(&wire.MasterAnnouncement{
		Hdr:      wire.Header{TimelineID: 7},
		Priority: 0xFF,
		DeviceID: 0xFFFFFFFFFFFF,
	}, from)

	require.Equal(t, RoleClient, m.Role())
	require.Equal(t, from, m.MasterEndpoint())
	require.Len(t, out, 1)
}

func TestTieBreakPrefersHigherDeviceID(t *testing.T) {
	lower, clock := newTestMachine(t, 1, 1)
	for i := 0; i <= InitRetryLimit; i++ {
		clock.Advance(int64(InitRetryPeriod) + 1)
		lower.Tick(clock.Now())
	}
	require.Equal(t, RoleMaster, lower.Role())
	timeline := lower.timelineID

	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 8886}
	out := lower.HandlePacket(&wire.MasterAnnouncement{
		Hdr:      wire.Header{TimelineID: timeline},
		Priority: lower.effectivePriority(),
		DeviceID: 0xFFFFFFFFFFFF,
	}, from)
	require.Equal(t, RoleClient, lower.Role(), "equal priority must tie-break on device id")
	require.Len(t, out, 1)
}

func TestSyncNAKDemotesClientToRonin(t *testing.T) {
	m, _ := newTestMachine(t, 2, 1)
	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 8886}
	m.HandlePacket(&wire.WhoIsMasterResponse{Hdr: wire.Header{TimelineID: 42}, Priority: 0x81, DeviceID: 99}, from)
	require.Equal(t, RoleClient, m.Role())
	m.common.SetBasis(m.local.Now(), 0)

	// first response is skipped for ARP warm-up
	m.HandlePacket(&wire.SyncResponse{Hdr: wire.Header{TimelineID: 42}}, from)
	require.Equal(t, RoleClient, m.Role())

	out := m.HandlePacket(&wire.SyncResponse{Hdr: wire.Header{TimelineID: 42}, NAK: 1}, from)
	require.Equal(t, RoleRonin, m.Role())
	require.Len(t, out, 1)
}

func TestWhoIsMasterRequestWrongTimelineIgnoredByMaster(t *testing.T) {
	m, clock := newTestMachine(t, 1, 1)
	for i := 0; i <= InitRetryLimit; i++ {
		clock.Advance(int64(InitRetryPeriod) + 1)
		m.Tick(clock.Now())
	}
	require.Equal(t, RoleMaster, m.Role())

	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 8886}
	out := m.HandlePacket(&wire.WhoIsMasterRequest{Hdr: wire.Header{TimelineID: m.timelineID + 1}, Priority: 1, DeviceID: 3}, from)
	require.Nil(t, out)
	require.Equal(t, RoleMaster, m.Role())
}

func TestSlewIsRateLimitedAcrossTicks(t *testing.T) {
	m, clock := newTestMachine(t, 1, 1)
	m.recovery.SetPanicThreshold(10 * time.Second)

	// drive the controller hard by claiming a large but non-panicking
	// common-time offset repeatedly
	m.common.SetBasis(clock.Now(), 0)
	for i := 0; i < 20; i++ {
		clock.Advance(int64(time.Second))
		nominal, err := m.common.LocalToCommon(clock.Now())
		require.NoError(t, err)
		m.recovery.Push(clock.Now(), nominal+int64(5*time.Millisecond), 2*time.Millisecond)
		clock.Advance(int64(20 * time.Millisecond))
		m.Tick(clock.Now())
	}
	require.InDelta(t, 0, clock.LastSlewPPM(), 100, "slew must stay within the rate limiter's bounded range")
}
