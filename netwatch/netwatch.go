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

// Package netwatch subscribes to RTNLGRP_LINK over rtnetlink and reports
// up/down transitions of a named interface, standing in for the platform
// connectivity callbacks the original Android service relied on to know
// when its election socket needed rebuilding.
package netwatch

import (
	"context"
	"fmt"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Event reports that iface's carrier state changed.
type Event struct {
	Interface string
	Up        bool
}

// Watcher multicast-subscribes to link-state changes for a single
// interface and republishes them as Events.
type Watcher struct {
	iface  string
	conn   *rtnetlink.Conn
	events chan Event
}

// New dials a dedicated rtnetlink socket subscribed to RTNLGRP_LINK and
// returns a Watcher for the named interface. The empty string matches any
// interface (useful when the daemon has not yet settled on a bind
// interface).
func New(iface string) (*Watcher, error) {
	conn, err := rtnetlink.Dial(&netlink.Config{Groups: 1 << (unix.RTNLGRP_LINK - 1)})
	if err != nil {
		return nil, fmt.Errorf("netwatch: dialing rtnetlink: %w", err)
	}
	return &Watcher{iface: iface, conn: conn, events: make(chan Event, 8)}, nil
}

// Events returns the channel Watch publishes to.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close releases the underlying netlink socket.
func (w *Watcher) Close() error {
	return w.conn.Close()
}

// Run blocks receiving multicast link messages until ctx is canceled or
// the socket errors, publishing an Event for every message that concerns
// w.iface (or every message, if iface is unset). Receive has no ctx
// awareness of its own, so cancellation is turned into a socket close to
// unblock it, the same shape eventloop.Loop.Run uses for its own socket.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	go func() {
		<-ctx.Done()
		w.conn.Close()
	}()
	for {
		msgs, _, err := w.conn.Receive()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("netwatch: receive: %w", err)
			}
		}
		for _, msg := range msgs {
			ev, ok := w.toEvent(msg)
			if !ok {
				continue
			}
			select {
			case w.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			default:
				log.Warnf("netwatch: dropping link event for %s, consumer too slow", ev.Interface)
			}
		}
	}
}

func (w *Watcher) toEvent(msg rtnetlink.Message) (Event, bool) {
	lm, ok := msg.(*rtnetlink.LinkMessage)
	if !ok || lm.Attributes == nil {
		return Event{}, false
	}
	name := lm.Attributes.Name
	if w.iface != "" && name != w.iface {
		return Event{}, false
	}
	up := lm.Flags&unix.IFF_RUNNING != 0
	return Event{Interface: name, Up: up}, true
}
