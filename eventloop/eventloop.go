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
Package eventloop owns the election socket and drives the state machine
from a single worker goroutine, exactly matching the specification's rule
that the socket descriptor belongs exclusively to one thread: every send,
receive, and Tick happens here, never from a caller's goroutine. Incoming
reads, wakeups, and the step-interval ticker are multiplexed with select,
the same shape client.Client.RunOnce uses for its own protocol loop, but
run forever instead of once.
*/
package eventloop

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/commontime/commontimed/netwatch"
	"github.com/commontime/commontimed/statemachine"
	"github.com/commontime/commontimed/wire"
)

// tickInterval matches recovery's stepInterval: the rate limiter needs to
// be polled at least this often for the 300ms ramp to hit its floor, and
// every role's retry/announce timers tolerate being checked far more
// often than they fire.
const tickInterval = 10 * time.Millisecond

// PacketConn is the minimal socket surface the loop needs; satisfied by
// *net.UDPConn and by a mock in tests.
type PacketConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	Close() error
}

// Machine is the subset of *statemachine.Machine the loop drives.
type Machine interface {
	HandlePacket(pkt wire.Packet, from *net.UDPAddr) []statemachine.Outgoing
	Tick(now int64) []statemachine.Outgoing
}

// LocalNow supplies the loop's notion of "now" in local clock units.
type LocalNow interface {
	Now() int64
}

type incoming struct {
	data []byte
	n    int
	from *net.UDPAddr
}

// Loop reads from conn, feeds decoded packets and periodic ticks to
// machine, and writes back whatever Outgoing packets come out.
type Loop struct {
	connMu sync.Mutex
	conn   PacketConn

	machine Machine
	local   LocalNow
	groupID uint64

	wakeup  chan struct{}
	watcher *netwatch.Watcher

	rebuild func() (PacketConn, error)
}

// New builds a Loop. rebuild is called to replace conn when watcher (if
// non-nil) reports the bind interface changed; it may be nil if the
// caller never expects interface churn (e.g. tests).
func New(conn PacketConn, machine Machine, local LocalNow, groupID uint64, watcher *netwatch.Watcher, rebuild func() (PacketConn, error)) *Loop {
	return &Loop{
		conn:    conn,
		machine: machine,
		local:   local,
		groupID: groupID,
		wakeup:  make(chan struct{}, 1),
		watcher: watcher,
		rebuild: rebuild,
	}
}

// Wake nudges the loop to re-evaluate timers immediately, e.g. after a
// config change that should take effect without waiting for the next
// tick.
func (l *Loop) Wake() {
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is canceled or the socket read goroutine errors.
// ReadFromUDP has no ctx awareness of its own, so a canceled context is
// turned into a socket close to unblock it, same as the rest of the
// worker-goroutine shutdowns in this tree.
func (l *Loop) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	reads := make(chan incoming, 32)

	eg.Go(func() error { return l.readLoop(ctx, reads) })
	eg.Go(func() error { return l.dispatchLoop(ctx, reads) })
	eg.Go(func() error {
		<-ctx.Done()
		l.currentConn().Close()
		return ctx.Err()
	})

	return eg.Wait()
}

func (l *Loop) currentConn() PacketConn {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	return l.conn
}

// readLoop re-reads l.conn on every iteration rather than capturing it
// once: rebuildSocket swaps it out from under this goroutine whenever the
// bind interface flaps. When that happens ReadFromUDP on the retired
// socket fails with "use of closed network connection" — not a real
// failure, so it's only treated as fatal if the conn is still the one we
// were reading from when the error occurred.
func (l *Loop) readLoop(ctx context.Context, reads chan<- incoming) error {
	buf := make([]byte, 1500)
	for {
		conn := l.currentConn()
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if l.currentConn() != conn {
				log.Debugf("eventloop: read on retired socket: %v", err)
				continue
			}
			return fmt.Errorf("eventloop: read: %w", err)
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case reads <- incoming{data: cp, n: n, from: from}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loop) dispatchLoop(ctx context.Context, reads <-chan incoming) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var watcherEvents <-chan netwatch.Event
	if l.watcher != nil {
		watcherEvents = l.watcher.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case in := <-reads:
			pkt, err := wire.Decode(in.data[:in.n], l.groupID)
			if err != nil {
				log.Debugf("eventloop: dropping packet from %s: %v", in.from, err)
				continue
			}
			l.send(l.machine.HandlePacket(pkt, in.from))

		case <-ticker.C:
			l.send(l.machine.Tick(l.local.Now()))

		case <-l.wakeup:
			l.send(l.machine.Tick(l.local.Now()))

		case ev, ok := <-watcherEvents:
			if !ok {
				watcherEvents = nil
				continue
			}
			log.Infof("eventloop: interface %s up=%v, rebuilding socket", ev.Interface, ev.Up)
			if err := l.rebuildSocket(); err != nil {
				log.Errorf("eventloop: socket rebuild failed: %v", err)
			}
		}
	}
}

func (l *Loop) rebuildSocket() error {
	if l.rebuild == nil {
		return nil
	}
	next, err := l.rebuild()
	if err != nil {
		return err
	}
	l.connMu.Lock()
	old := l.conn
	l.conn = next
	l.connMu.Unlock()
	return old.Close()
}

func (l *Loop) send(outs []statemachine.Outgoing) {
	for _, o := range outs {
		if o.Packet == nil {
			continue
		}
		data := o.Packet.Encode()
		dest := o.Dest
		if dest == nil {
			continue
		}
		if _, err := l.currentConn().WriteToUDP(data, dest); err != nil {
			log.Warnf("eventloop: write to %s: %v", dest, err)
		}
	}
}

// TickInterval exposes the loop's tick cadence for tests and diagnostics.
func TickInterval() time.Duration {
	return tickInterval
}
