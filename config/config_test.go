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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commontimed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
iface: eth0
priority: 200
group_id: 7
auto_disable: true
client_sync_interval: 2s
`), 0o644))

	c, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, "eth0", c.Iface)
	require.Equal(t, uint8(200), c.Priority)
	require.Equal(t, uint64(7), c.GroupID)
	require.True(t, c.AutoDisable)
	require.Equal(t, 2*time.Second, c.ClientSyncInterval)
	// untouched fields keep their defaults
	require.Equal(t, 9876, c.DiagPort)
}

func TestMachineConfigProjectsFields(t *testing.T) {
	c := Default()
	c.Priority = 5
	c.GroupID = 3
	c.Iface = "eth1"
	sc := c.MachineConfig()
	require.Equal(t, uint8(5), sc.Priority)
	require.Equal(t, uint64(3), sc.GroupID)
	require.Equal(t, "eth1", sc.BindIface)
}

