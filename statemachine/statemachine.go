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
Package statemachine drives the master-election and peer-tracking protocol:
it owns the current Role, the timers that move between roles, and the
bridge between incoming wire packets and the clock recovery loop. It never
touches a socket directly — HandlePacket and Tick return the packets that
must be sent, leaving I/O to the eventloop package, matching the
specification's separation between the worker thread's socket ownership
and the state machine's pure decision logic.
*/
package statemachine

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/commontime/commontimed/commonclock"
	"github.com/commontime/commontimed/election"
	"github.com/commontime/commontimed/localclock"
	"github.com/commontime/commontimed/recovery"
	"github.com/commontime/commontimed/wire"
)

// Role is one of the five states in the election/sync protocol.
type Role uint8

// The five roles.
const (
	RoleInitial Role = iota
	RoleClient
	RoleMaster
	RoleRonin
	RoleWaitForElection
)

func (r Role) String() string {
	switch r {
	case RoleInitial:
		return "Initial"
	case RoleClient:
		return "Client"
	case RoleMaster:
		return "Master"
	case RoleRonin:
		return "Ronin"
	case RoleWaitForElection:
		return "WaitForElection"
	default:
		return "Unknown"
	}
}

// Retry/timeout constants from the specification.
const (
	InitRetryLimit  = 6
	InitRetryPeriod = 500 * time.Millisecond

	RoninRetryLimit  = 20
	RoninRetryPeriod = 500 * time.Millisecond

	ClientRetryLimit = 10

	WaitForElectionTimeout = 12500 * time.Millisecond

	DefaultMasterAnnounceInterval = 10000 * time.Millisecond
	DefaultClientSyncInterval     = 1000 * time.Millisecond
)

// Notifier is implemented by the Public Interface facet; the state machine
// calls it when the timeline is gained or lost and after every accepted
// sync response. It is called from within HandlePacket and Tick, with the
// machine's own lock held.
type Notifier interface {
	NotifyTimelineChanged(timelineID uint64)
}

// noopNotifier is used until a real one is attached, so tests don't need
// to stub it out unless they care.
type noopNotifier struct{}

func (noopNotifier) NotifyTimelineChanged(uint64) {}

// Outgoing pairs a packet with where it should be sent. Broadcasts carry
// the configured election endpoint as Dest; the eventloop skips any
// Outgoing whose Dest is nil.
type Outgoing struct {
	Packet wire.Packet
	Dest   *net.UDPAddr
}

// masterInfo is what we remember about the master we are following, reset
// on every role transition away from Client.
type masterInfo struct {
	endpoint        *net.UDPAddr
	deviceID        uint64
	priority        uint8
	firstSyncTx     int64
	skippedFirstAck bool
	retries         int
}

// Machine is the election/sync state machine. All exported methods are
// safe for concurrent use: the worker (eventloop) calls HandlePacket and
// Tick, while the Public Interface calls the query and setter methods from
// its callers' goroutines.
type Machine struct {
	mu sync.Mutex

	cfg Config

	deviceID uint64
	role     Role

	timelineID       uint64
	forceLowPriority bool

	initRetries int

	master masterInfo

	roninRetries int

	waitForElectionDeadline int64 // local time

	// lastMasterAnnounceAt doubles as the last-retry timestamp for
	// Initial and Ronin, since only one role is ever active at a time.
	lastMasterAnnounceAt int64
	lastClientSyncAt     int64

	local       localclock.Clock
	common      *commonclock.Clock
	recovery    *recovery.Controller
	rateLimiter *recovery.RateLimiter
	notifier    Notifier
	logs        *Logs
	randSource  *rand.Rand
}

// Config is the Config facet of the Public Interface (spec §4.6), held by
// the state machine and mutated only through its setters. The setters
// store values as given; they do not range-check them.
type Config struct {
	Priority               uint8
	ElectionEndpoint       *net.UDPAddr
	GroupID                uint64
	BindIface              string
	MasterAnnounceInterval time.Duration
	ClientSyncInterval     time.Duration
	PanicThreshold         time.Duration
	AutoDisable            bool
}

// DefaultConfig returns a Config with every value at its documented
// default.
func DefaultConfig() Config {
	return Config{
		Priority:               1,
		MasterAnnounceInterval: DefaultMasterAnnounceInterval,
		ClientSyncInterval:     DefaultClientSyncInterval,
		PanicThreshold:         recovery.DefaultPanicThreshold,
	}
}

// New constructs a Machine starting in RoleInitial with no timeline.
func New(deviceID uint64, cfg Config, local localclock.Clock, common *commonclock.Clock, rec *recovery.Controller) *Machine {
	m := &Machine{
		cfg:         cfg,
		deviceID:    deviceID,
		role:        RoleInitial,
		local:       local,
		common:      common,
		recovery:    rec,
		rateLimiter: &recovery.RateLimiter{},
		notifier:    noopNotifier{},
		logs:        NewLogs(128),
		randSource:  rand.New(rand.NewSource(int64(deviceID) ^ local.Now())),
	}
	return m
}

// SetNotifier attaches the Public Interface's change-notification sink.
func (m *Machine) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// Role returns the current role.
func (m *Machine) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// IsCommonTimeValid implements the clock facet's validity query.
func (m *Machine) IsCommonTimeValid() (bool, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.common.Valid(), m.timelineID
}

// StateChanges returns the most recent n state-change records, newest first.
func (m *Machine) StateChanges(n int) []StateChangeRecord { return m.logs.StateChanges(n) }

// Elections returns the most recent n election records, newest first.
func (m *Machine) Elections(n int) []ElectionRecord { return m.logs.Elections(n) }

// BadPackets returns the most recent n bad-packet records, newest first.
func (m *Machine) BadPackets(n int) []BadPacketRecord { return m.logs.BadPackets(n) }

// MasterEndpoint returns the endpoint of the master we currently follow,
// or nil if we have none (Master/Initial/Ronin/WaitForElection).
func (m *Machine) MasterEndpoint() *net.UDPAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.master.endpoint
}

// SetPriority changes the configured (pre-hold-off) election priority.
func (m *Machine) SetPriority(p uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Priority = p
}

// SetAutoDisable toggles whether the daemon parks in Initial without
// ever assuming mastership when it never hears from a peer.
func (m *Machine) SetAutoDisable(disabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.AutoDisable = disabled
}

// SetMasterAnnounceInterval changes how often a Master broadcasts.
func (m *Machine) SetMasterAnnounceInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.MasterAnnounceInterval = d
}

// SetClientSyncInterval changes how often a Client polls its master.
func (m *Machine) SetClientSyncInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.ClientSyncInterval = d
}

func (m *Machine) effectivePriority() uint8 {
	return election.EffectivePriority(m.cfg.Priority, m.forceLowPriority)
}

func (m *Machine) self() election.Candidate {
	return election.Candidate{DeviceID: m.deviceID, EffectivePriority: m.effectivePriority()}
}

func randomJitter(r *rand.Rand, maxMS int64) time.Duration {
	if r == nil {
		return 0
	}
	return time.Duration(r.Int63n(maxMS+1)) * time.Millisecond
}
