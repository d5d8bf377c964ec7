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

package diag

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/commontime/commontimed/statemachine"
)

type fakeMachine struct{}

func (fakeMachine) Role() statemachine.Role { return statemachine.RoleMaster }
func (fakeMachine) StateChanges(n int) []statemachine.StateChangeRecord {
	return []statemachine.StateChangeRecord{{At: time.Now(), From: statemachine.RoleInitial, To: statemachine.RoleMaster, Why: "test"}}
}
func (fakeMachine) Elections(n int) []statemachine.ElectionRecord { return nil }
func (fakeMachine) BadPackets(n int) []statemachine.BadPacketRecord { return nil }

type fakeResetter struct {
	resetPosition, resetFrequency bool
}

func (f *fakeResetter) Reset(position, frequency bool) {
	f.resetPosition = position
	f.resetFrequency = frequency
}
func (f *fakeResetter) RTTStats() (float64, float64) { return 1000, 50 }
func (f *fakeResetter) CO() float64                  { return 2.5 }

func TestDiagReportsAndResets(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln.Close()

	rec := &fakeResetter{}
	srv := New(ln.Addr().String(), fakeMachine{}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	require.Contains(t, scanner.Text(), "role: Master")

	_, err = conn.Write([]byte("R\n"))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.resetFrequency {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, rec.resetPosition)
	require.True(t, rec.resetFrequency)
}
