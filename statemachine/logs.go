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
	"container/ring"
	"sync"
	"time"
)

// StateChangeRecord is one entry in the state-change log.
type StateChangeRecord struct {
	At   time.Time
	From Role
	To   Role
	Why  string
}

// ElectionRecord is one entry in the election log: an arbitration decision
// between us and a peer.
type ElectionRecord struct {
	At         time.Time
	PeerDevice uint64
	WeWon      bool
}

// BadPacketRecord is one entry in the bad-packet log.
type BadPacketRecord struct {
	At   time.Time
	From string
	Err  string
}

// Logs is the set of bounded ring buffers the specification requires for
// operational introspection (§7): transient and bad-packet errors never
// propagate out of the worker thread, they are recorded here instead.
type Logs struct {
	mu sync.Mutex

	stateChanges *ring.Ring
	elections    *ring.Ring
	badPackets   *ring.Ring
}

// NewLogs allocates three ring buffers of the given size.
func NewLogs(size int) *Logs {
	return &Logs{
		stateChanges: ring.New(size),
		elections:    ring.New(size),
		badPackets:   ring.New(size),
	}
}

func (l *Logs) recordStateChange(r StateChangeRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateChanges.Value = r
	l.stateChanges = l.stateChanges.Next()
}

func (l *Logs) recordElection(r ElectionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.elections.Value = r
	l.elections = l.elections.Next()
}

func (l *Logs) recordBadPacket(r BadPacketRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.badPackets.Value = r
	l.badPackets = l.badPackets.Next()
}

// StateChanges returns the most recent n state-change records, newest
// first.
func (l *Logs) StateChanges(n int) []StateChangeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []StateChangeRecord{}
	r := l.stateChanges.Prev()
	for i := 0; i < n; i++ {
		if r.Value == nil {
			break
		}
		out = append(out, r.Value.(StateChangeRecord))
		r = r.Prev()
	}
	return out
}

// Elections returns the most recent n election records, newest first.
func (l *Logs) Elections(n int) []ElectionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []ElectionRecord{}
	r := l.elections.Prev()
	for i := 0; i < n; i++ {
		if r.Value == nil {
			break
		}
		out = append(out, r.Value.(ElectionRecord))
		r = r.Prev()
	}
	return out
}

// BadPackets returns the most recent n bad-packet records, newest first.
func (l *Logs) BadPackets(n int) []BadPacketRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []BadPacketRecord{}
	r := l.badPackets.Prev()
	for i := 0; i < n; i++ {
		if r.Value == nil {
			break
		}
		out = append(out, r.Value.(BadPacketRecord))
		r = r.Prev()
	}
	return out
}
