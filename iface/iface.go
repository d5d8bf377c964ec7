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
Package iface is the public surface other components embed the daemon
through: a clock facet for reading common time and subscribing to
timeline changes, and a config facet for adjusting the election/sync
parameters at runtime. It holds its own registration lock, separate from
the state machine's, so registering or unregistering a listener never
waits on the state machine. Listeners themselves run synchronously inside
the state machine's HandlePacket/Tick, so a slow listener delays them.
*/
package iface

import (
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/commontime/commontimed/commonclock"
	"github.com/commontime/commontimed/statemachine"
)

// Listener is notified whenever the current timeline's validity changes.
// timelineID is 0 when common time has become invalid.
type Listener func(timelineID uint64)

// ClockFacet is the read side of the public interface: querying common
// time and subscribing to its validity.
type ClockFacet interface {
	Now() (common int64, valid bool, err error)
	Register(l Listener) (id int, err error)
	Unregister(id int)
}

// ConfigFacet is the write side: runtime-adjustable election/sync
// parameters, mirroring statemachine.Config's fields one by one so a
// caller can change a single knob without racing the others.
type ConfigFacet interface {
	SetPriority(p uint8)
	SetAutoDisable(disabled bool)
	SetMasterAnnounceInterval(d time.Duration)
	SetClientSyncInterval(d time.Duration)
	Role() statemachine.Role
	MasterEndpoint() *net.UDPAddr
}

type registration struct {
	id int
	fn Listener
}

// Service implements ClockFacet and ConfigFacet over a running Machine
// and the Clock it disciplines. All exported methods are safe for
// concurrent use.
type Service struct {
	common  *commonclock.Clock
	machine *statemachine.Machine
	local   LocalNow

	registrationLock sync.Mutex
	listeners        []registration
	nextID           int
}

// LocalNow is the minimal clock-reading capability the facet needs to
// translate common time queries; satisfied by localclock.Clock.
type LocalNow interface {
	Now() int64
}

// New builds a Service bound to common and machine, reading local time
// through localNow.
func New(common *commonclock.Clock, machine *statemachine.Machine, localNow LocalNow) *Service {
	s := &Service{common: common, machine: machine, local: localNow}
	machine.SetNotifier(s)
	return s
}

// Now implements ClockFacet.
func (s *Service) Now() (int64, bool, error) {
	valid, _ := s.machine.IsCommonTimeValid()
	if !valid {
		return 0, false, nil
	}
	c, err := s.common.LocalToCommon(s.local.Now())
	if err != nil {
		return 0, false, err
	}
	return c, true, nil
}

// Register adds a listener and returns an id that can later be passed to
// Unregister. The listener is called from NotifyTimelineChanged, never
// while registrationLock is also needed by Register/Unregister — they
// are mutually exclusive by construction, not by recursive locking.
func (s *Service) Register(l Listener) (int, error) {
	s.registrationLock.Lock()
	defer s.registrationLock.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, registration{id: id, fn: l})
	return id, nil
}

// Unregister removes a previously registered listener; a no-op if id is
// unknown (already unregistered, or never valid).
func (s *Service) Unregister(id int) {
	s.registrationLock.Lock()
	defer s.registrationLock.Unlock()
	for i, r := range s.listeners {
		if r.id == id {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// NotifyTimelineChanged implements statemachine.Notifier. The state machine
// calls it from within HandlePacket/Tick with its own lock held; this
// method takes only registrationLock, and releases it before calling the
// listeners.
func (s *Service) NotifyTimelineChanged(timelineID uint64) {
	s.registrationLock.Lock()
	snapshot := make([]registration, len(s.listeners))
	copy(snapshot, s.listeners)
	s.registrationLock.Unlock()

	for _, r := range snapshot {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Warnf("iface: listener panicked, dropping: %v", rec)
					s.Unregister(r.id)
				}
			}()
			r.fn(timelineID)
		}()
	}
}

// SetPriority implements ConfigFacet.
func (s *Service) SetPriority(p uint8) {
	s.machine.SetPriority(p)
}

// SetAutoDisable implements ConfigFacet.
func (s *Service) SetAutoDisable(disabled bool) {
	s.machine.SetAutoDisable(disabled)
}

// SetMasterAnnounceInterval implements ConfigFacet.
func (s *Service) SetMasterAnnounceInterval(d time.Duration) {
	s.machine.SetMasterAnnounceInterval(d)
}

// SetClientSyncInterval implements ConfigFacet.
func (s *Service) SetClientSyncInterval(d time.Duration) {
	s.machine.SetClientSyncInterval(d)
}

// Role implements ConfigFacet.
func (s *Service) Role() statemachine.Role {
	return s.machine.Role()
}

// MasterEndpoint implements ConfigFacet.
func (s *Service) MasterEndpoint() *net.UDPAddr {
	return s.machine.MasterEndpoint()
}
