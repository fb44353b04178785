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

// Package socks implements the server side of the SOCKS5 handshake
// (RFC 1928): no-auth method negotiation, CONNECT requests, and replies.
package socks

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"slices"
	"strconv"
	"syscall"

	"github.com/gravitational/trace"
)

const (
	socks5Version               byte = 0x05
	socks5Reserved              byte = 0x00
	socks5AuthNotRequired       byte = 0x00
	socks5AddressTypeIPv4       byte = 0x01
	socks5AddressTypeDomainName byte = 0x03
	socks5AddressTypeIPv6       byte = 0x04
)

// Commands defined by RFC 1928 section 4.
const (
	CommandConnect      byte = 0x01
	CommandBind         byte = 0x02
	CommandUDPAssociate byte = 0x03
)

// Reply codes defined by RFC 1928 section 6.
const (
	ReplySucceeded           byte = 0x00
	ReplyGeneralFailure      byte = 0x01
	ReplyNetworkUnreachable  byte = 0x03
	ReplyHostUnreachable     byte = 0x04
	ReplyConnectionRefused   byte = 0x05
	ReplyCommandNotSupported byte = 0x07
	ReplyAddressNotSupported byte = 0x08
)

// Request is a parsed SOCKS5 request.
type Request struct {
	// Command is the requested command. Only CONNECT is served; the caller
	// replies with ReplyCommandNotSupported for the rest.
	Command byte
	// Addr is the destination as "host:port".
	Addr string
}

// ReadRequest performs the SOCKS5 negotiation with the client and returns the
// parsed request. It does not send the final reply; the caller reports the
// outcome of its dial attempt with SendReply. Unsupported commands and
// address types are replied to here before the error returns.
func ReadRequest(conn net.Conn) (*Request, error) {
	// Read in the version and reject anything other than SOCKS5.
	version, err := readByte(conn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if version != socks5Version {
		return nil, trace.BadParameter("only SOCKS5 is supported")
	}

	// Read in the authentication method requested by the client and write back
	// the method that was selected. At the moment only "no authentication
	// required" is supported.
	authMethods, err := readAuthenticationMethod(conn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !slices.Contains(authMethods, socks5AuthNotRequired) {
		return nil, trace.BadParameter("only 'no authentication required' is supported")
	}
	if err := writeMethodSelection(conn); err != nil {
		return nil, trace.Wrap(err)
	}

	req, err := readRequest(conn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Command != CommandConnect {
		// BIND and UDP ASSOCIATE get a proper reply before the close.
		if err := SendReply(conn, ReplyCommandNotSupported); err != nil {
			return nil, trace.Wrap(err)
		}
		return nil, trace.BadParameter("only CONNECT command is supported")
	}

	return req, nil
}

// SendReply writes a SOCKS5 reply with the given code. The bound address
// fields are zeroed, as with OpenSSH, since only CONNECT is supported.
func SendReply(conn net.Conn, code byte) error {
	message := []byte{
		socks5Version,
		code,
		socks5Reserved,
		socks5AddressTypeIPv4,
		0, 0, 0, 0, // BND.ADDR
		0, 0, // BND.PORT
	}
	n, err := conn.Write(message)
	if err != nil {
		return trace.Wrap(err)
	}
	if n != len(message) {
		return trace.BadParameter("wrote: %v wanted to write: %v", n, len(message))
	}
	return nil
}

// ReplyForDialError translates a dial failure into the reply code that tells
// the client what went wrong.
func ReplyForDialError(err error) byte {
	if err == nil {
		return ReplySucceeded
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED:
			return ReplyConnectionRefused
		case syscall.EHOSTUNREACH:
			return ReplyHostUnreachable
		case syscall.ENETUNREACH:
			return ReplyNetworkUnreachable
		}
	}
	return ReplyGeneralFailure
}

// readAuthenticationMethod reads in the authentication methods the client
// supports.
func readAuthenticationMethod(conn net.Conn) ([]byte, error) {
	// Read in the number of authentication methods supported.
	nmethods, err := readByte(conn)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Read nmethods number of bytes from the connection and return the list
	// of supported authentication methods to the caller.
	authMethods := make([]byte, 0, nmethods)
	for i := byte(0); i < nmethods; i++ {
		method, err := readByte(conn)
		if err != nil {
			return nil, trace.Wrap(err)
		}

		authMethods = append(authMethods, method)
	}

	return authMethods, nil
}

// writeMethodSelection writes out the response to the authentication methods.
// Right now, only SOCKS5 and "no authentication methods" is supported.
func writeMethodSelection(conn net.Conn) error {
	message := []byte{socks5Version, socks5AuthNotRequired}

	n, err := conn.Write(message)
	if err != nil {
		return trace.Wrap(err)
	}
	if n != len(message) {
		return trace.BadParameter("wrote: %v wanted to write: %v", n, len(message))
	}

	return nil
}

// readRequest reads in the SOCKS5 request from the client and returns the
// command and the host:port the client wants to connect to.
func readRequest(conn net.Conn) (*Request, error) {
	// Read in the version and reject anything other than SOCKS5.
	version, err := readByte(conn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if version != socks5Version {
		return nil, trace.BadParameter("only SOCKS5 is supported")
	}

	command, err := readByte(conn)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Read in and throw away the reserved byte.
	if _, err := readByte(conn); err != nil {
		return nil, trace.Wrap(err)
	}

	// Read in the address type and determine how many more bytes need to be
	// read in to read in the remote host address.
	destAddr, err := readDestAddr(conn)
	if err != nil {
		if trace.IsBadParameter(err) {
			// Tell the client before the caller closes the connection.
			_ = SendReply(conn, ReplyAddressNotSupported)
		}
		return nil, trace.Wrap(err)
	}

	// Read in the destination port.
	var destPort uint16
	if err := binary.Read(conn, binary.BigEndian, &destPort); err != nil {
		return nil, trace.Wrap(err)
	}

	return &Request{
		Command: command,
		Addr:    net.JoinHostPort(destAddr, strconv.Itoa(int(destPort))),
	}, nil
}

// readDestAddr reads in the destination address.
func readDestAddr(conn net.Conn) (string, error) {
	// Read in the type of the remote host.
	addrType, err := readByte(conn)
	if err != nil {
		return "", trace.Wrap(err)
	}

	// Based off the type, determine how many more bytes to read in for the
	// remote address. For IPv4 it's 4 bytes, for IPv6 it's 16, and for domain
	// names read in another byte to determine the length of the field.
	switch addrType {
	case socks5AddressTypeIPv4:
		destAddr := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(conn, destAddr); err != nil {
			return "", trace.Wrap(err)
		}
		return net.IP(destAddr).String(), nil
	case socks5AddressTypeIPv6:
		destAddr := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(conn, destAddr); err != nil {
			return "", trace.Wrap(err)
		}
		return net.IP(destAddr).String(), nil
	case socks5AddressTypeDomainName:
		length, err := readByte(conn)
		if err != nil {
			return "", trace.Wrap(err)
		}
		destAddr := make([]byte, length)
		if _, err := io.ReadFull(conn, destAddr); err != nil {
			return "", trace.Wrap(err)
		}
		return string(destAddr), nil
	default:
		return "", trace.BadParameter("unsupported address type: %v", addrType)
	}
}

// readByte reads a single byte from the passed in net.Conn.
func readByte(conn net.Conn) (byte, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(conn, b); err != nil {
		return 0, trace.Wrap(err)
	}

	return b[0], nil
}
