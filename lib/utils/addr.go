/*
 * Revamp
 * Copyright (C) 2025  Revamp Proxy Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package utils

import (
	"net"

	"github.com/gravitational/trace"
)

// GuessHostIP tries to guess the IP clients on the LAN reach this host by,
// which is what PAC files and portal links should advertise.
func GuessHostIP() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return guessHostIP(addrs), nil
}

// guessHostIP prefers RFC 1918 addresses over public ones, 192.168.0.0/16
// over the other private blocks, and the last address within a class. IPv6
// addresses are ignored. With no usable IPv4 address, returns the loopback.
func guessHostIP(addrs []net.Addr) net.IP {
	var best net.IP
	bestRank := 0
	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		default:
			continue
		}
		ip4 := ip.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		rank := 1
		switch {
		case ip4[0] == 192 && ip4[1] == 168:
			rank = 3
		case ip4[0] == 172 && ip4[1]&0xf0 == 16:
			rank = 2
		case ip4[0] == 10:
			rank = 2
		}
		if rank >= bestRank {
			best = ip4
			bestRank = rank
		}
	}
	if best == nil {
		return net.IPv4(127, 0, 0, 1).To4()
	}
	return best
}

// ClientIPFromAddr extracts the bare IP from a net.Addr or "host:port"
// string, falling back to the raw string when it does not parse.
func ClientIPFromAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
