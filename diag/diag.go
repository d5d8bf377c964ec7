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
Package diag implements the auxiliary diagnostic interface: a
line-oriented TCP stream (one connection at a time) dumping the bounded
state-change/election/bad-packet logs, the recovery controller's RTT
statistics, and an "r"/"R" command to reset clock position and/or
frequency discipline, the Go-native restatement of the original's
WorkQueue-driven debug dump and reset commands.
*/
package diag

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/shirou/gopsutil/host"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/commontime/commontimed/statemachine"
)

// Resetter is implemented by the recovery controller; kept narrow so
// tests can stub it.
type Resetter interface {
	Reset(position, frequency bool)
	RTTStats() (mean, stddev float64)
	CO() float64
}

// Machine is the subset of the state machine the diagnostic facet
// reports on.
type Machine interface {
	Role() statemachine.Role
	StateChanges(n int) []statemachine.StateChangeRecord
	Elections(n int) []statemachine.ElectionRecord
	BadPackets(n int) []statemachine.BadPacketRecord
}

// Server accepts one diagnostic connection at a time on addr and streams
// a human-readable report, then watches for reset commands.
type Server struct {
	addr     string
	machine  Machine
	recovery Resetter
}

// New builds a Server. addr is typically ":9876", the default diagnostic
// port.
func New(addr string, machine Machine, rec Resetter) *Server {
	return &Server{addr: addr, machine: machine, recovery: rec}
}

// Run accepts and serves connections sequentially until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("diag: listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("diag: accept: %w", err)
			}
		}
		s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	s.report(conn)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "r":
			s.recovery.Reset(true, false)
			fmt.Fprintln(conn, "position reset")
		case "R":
			s.recovery.Reset(true, true)
			fmt.Fprintln(conn, "position and frequency reset")
		case "":
			// ignore blank keepalive lines
		default:
			fmt.Fprintf(conn, "unknown command %q (use r or R)\n", line)
		}
	}
}

func (s *Server) report(w io.Writer) {
	uptime, err := host.Uptime()
	if err != nil {
		log.Warnf("diag: reading host uptime: %v", err)
	}
	fmt.Fprintf(w, "role: %s\n", s.machine.Role())
	fmt.Fprintf(w, "host_uptime: %ds\n", uptime)

	mean, stddev := s.recovery.RTTStats()
	fmt.Fprintf(w, "rtt_mean_ns: %.0f\n", mean)
	fmt.Fprintf(w, "rtt_stddev_ns: %.0f\n", stddev)
	fmt.Fprintf(w, "controller_output_ppm: %.3f\n", s.recovery.CO())

	fmt.Fprintln(w, "-- state changes --")
	for _, r := range s.machine.StateChanges(32) {
		fmt.Fprintf(w, "%s %s -> %s (%s)\n", r.At.Format(time.RFC3339Nano), r.From, r.To, r.Why)
	}

	fmt.Fprintln(w, "-- elections --")
	records := s.machine.Elections(32)
	slices.SortFunc(records, func(a, b statemachine.ElectionRecord) bool {
		return a.At.After(b.At)
	})
	for _, r := range records {
		fmt.Fprintf(w, "%s peer=%#x won=%v\n", r.At.Format(time.RFC3339Nano), r.PeerDevice, r.WeWon)
	}

	fmt.Fprintln(w, "-- bad packets --")
	for _, r := range s.machine.BadPackets(32) {
		fmt.Fprintf(w, "%s from=%s err=%s\n", r.At.Format(time.RFC3339Nano), r.From, r.Err)
	}
}
