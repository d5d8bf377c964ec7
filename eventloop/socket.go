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

package eventloop

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// BuildSocket opens and configures the election multicast socket: TTL=1
// (election traffic never leaves the local network segment), multicast
// loopback disabled (a host never needs to hear its own announcement),
// and membership in group on iface.
func BuildSocket(iface string, group *net.UDPAddr) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: group.Port})
	if err != nil {
		return nil, fmt.Errorf("eventloop: listen: %w", err)
	}

	p := ipv4.NewPacketConn(conn)
	if err := p.SetTTL(1); err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventloop: set TTL: %w", err)
	}
	if err := p.SetMulticastLoopback(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventloop: disable multicast loopback: %w", err)
	}

	var ifi *net.Interface
	if iface != "" {
		ifi, err = net.InterfaceByName(iface)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("eventloop: interface %s: %w", iface, err)
		}
	}
	if err := p.JoinGroup(ifi, group); err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventloop: join group %s: %w", group, err)
	}

	return conn, nil
}
