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

// Package config loads the daemon's on-disk YAML configuration and turns
// it into the facets other packages consume, following the same
// read-file-then-yaml.Unmarshal shape the rest of the time-sync tooling
// in this tree uses for its own config files.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/commontime/commontimed/statemachine"
)

// Config is the on-disk shape of commontimed.yaml.
type Config struct {
	Iface                  string        `yaml:"iface"`
	ElectionAddr           string        `yaml:"election_addr"`
	ElectionPort           int           `yaml:"election_port"`
	GroupID                uint64        `yaml:"group_id"`
	Priority               uint8         `yaml:"priority"`
	AutoDisable            bool          `yaml:"auto_disable"`
	MasterAnnounceInterval time.Duration `yaml:"master_announce_interval"`
	ClientSyncInterval     time.Duration `yaml:"client_sync_interval"`
	PanicThreshold         time.Duration `yaml:"panic_threshold"`
	DiagPort               int           `yaml:"diag_port"`
}

// rawConfig mirrors Config but with the duration fields as plain strings,
// since yaml.v2 has no built-in notion of time.Duration: it would decode
// "2s" as a plain scalar and fail to assign it to an int64-kinded field.
type rawConfig struct {
	Iface                  string `yaml:"iface"`
	ElectionAddr           string `yaml:"election_addr"`
	ElectionPort           int    `yaml:"election_port"`
	GroupID                uint64 `yaml:"group_id"`
	Priority               uint8  `yaml:"priority"`
	AutoDisable            bool   `yaml:"auto_disable"`
	MasterAnnounceInterval string `yaml:"master_announce_interval"`
	ClientSyncInterval     string `yaml:"client_sync_interval"`
	PanicThreshold         string `yaml:"panic_threshold"`
	DiagPort               int    `yaml:"diag_port"`
}

// UnmarshalYAML implements yaml.Unmarshaler, parsing the duration fields
// with time.ParseDuration while leaving fields absent from the document
// at whatever value Config already held (its Default()).
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	raw := rawConfig{
		Iface:                  c.Iface,
		ElectionAddr:           c.ElectionAddr,
		ElectionPort:           c.ElectionPort,
		GroupID:                c.GroupID,
		Priority:               c.Priority,
		AutoDisable:            c.AutoDisable,
		MasterAnnounceInterval: c.MasterAnnounceInterval.String(),
		ClientSyncInterval:     c.ClientSyncInterval.String(),
		PanicThreshold:         c.PanicThreshold.String(),
		DiagPort:               c.DiagPort,
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	c.Iface = raw.Iface
	c.ElectionAddr = raw.ElectionAddr
	c.ElectionPort = raw.ElectionPort
	c.GroupID = raw.GroupID
	c.Priority = raw.Priority
	c.AutoDisable = raw.AutoDisable
	c.DiagPort = raw.DiagPort

	var err error
	if c.MasterAnnounceInterval, err = time.ParseDuration(raw.MasterAnnounceInterval); err != nil {
		return fmt.Errorf("master_announce_interval: %w", err)
	}
	if c.ClientSyncInterval, err = time.ParseDuration(raw.ClientSyncInterval); err != nil {
		return fmt.Errorf("client_sync_interval: %w", err)
	}
	if c.PanicThreshold, err = time.ParseDuration(raw.PanicThreshold); err != nil {
		return fmt.Errorf("panic_threshold: %w", err)
	}
	return nil
}

// Default returns a Config with every field at its documented default,
// matching statemachine.DefaultConfig() plus the fields that only exist
// at the daemon/transport level.
func Default() *Config {
	sc := statemachine.DefaultConfig()
	return &Config{
		Iface:                  "",
		ElectionAddr:           "224.0.0.1",
		ElectionPort:           8886,
		GroupID:                0,
		Priority:               sc.Priority,
		AutoDisable:            false,
		MasterAnnounceInterval: sc.MasterAnnounceInterval,
		ClientSyncInterval:     sc.ClientSyncInterval,
		PanicThreshold:         sc.PanicThreshold,
		DiagPort:               9876,
	}
}

// Read loads and parses path, starting from Default() so unset fields
// keep their documented defaults rather than zero values.
func Read(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return c, nil
}

// MachineConfig projects the daemon config onto the state machine's own
// Config shape; the election endpoint is resolved by the caller since it
// requires a net.ResolveUDPAddr round trip this package intentionally
// avoids doing implicitly.
func (c *Config) MachineConfig() statemachine.Config {
	sc := statemachine.DefaultConfig()
	sc.Priority = c.Priority
	sc.GroupID = c.GroupID
	sc.BindIface = c.Iface
	sc.AutoDisable = c.AutoDisable
	if c.MasterAnnounceInterval > 0 {
		sc.MasterAnnounceInterval = c.MasterAnnounceInterval
	}
	if c.ClientSyncInterval > 0 {
		sc.ClientSyncInterval = c.ClientSyncInterval
	}
	if c.PanicThreshold > 0 {
		sc.PanicThreshold = c.PanicThreshold
	}
	return sc
}
