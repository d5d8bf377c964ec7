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

package localclock

import (
	"net"
	"os"

	"github.com/cespare/xxhash"
)

// deviceIDMask keeps only the low 56 bits: the packed wire representation
// reserves the top byte for the effective priority.
const deviceIDMask = (1 << 56) - 1

// DeviceID derives the 64-bit (56 bits significant) device identifier used
// for master arbitration. It prefers the MAC address of the first
// non-loopback hardware interface it finds; in environments with no such
// interface (containers, CI) it falls back to a hash of the hostname so the
// service still boots with a stable, if not globally unique, identity.
func DeviceID() (uint64, error) {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			if len(iface.HardwareAddr) == 0 {
				continue
			}
			return macToDeviceID(iface.HardwareAddr), nil
		}
	}
	host, herr := os.Hostname()
	if herr != nil {
		host = "commontimed"
	}
	return xxhash.Sum64String(host) & deviceIDMask, nil
}

func macToDeviceID(mac net.HardwareAddr) uint64 {
	var id uint64
	for _, b := range mac {
		id = (id << 8) | uint64(b)
	}
	return id & deviceIDMask
}
