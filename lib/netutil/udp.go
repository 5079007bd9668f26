// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides the socket plumbing the discovery beacon
// needs: UDP sockets with broadcast permission and address-reuse, and
// endpoint formatting helpers shared by the coordination packages.
package netutil

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenBroadcastUDP binds a UDP socket on listenAddress:port with
// SO_REUSEADDR, SO_REUSEPORT and SO_BROADCAST set. Address reuse lets
// several processes on one host share the discovery port (broadcast
// datagrams are delivered to every bound socket); SO_BROADCAST is
// required to send to the broadcast address.
func ListenBroadcastUDP(listenAddress net.IP, port int) (*net.UDPConn, error) {
	config := net.ListenConfig{
		Control: func(network, address string, raw syscall.RawConn) error {
			var optionError error
			err := raw.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					optionError = fmt.Errorf("setting SO_REUSEADDR: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					optionError = fmt.Errorf("setting SO_REUSEPORT: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
					optionError = fmt.Errorf("setting SO_BROADCAST: %w", err)
				}
			})
			if err != nil {
				return err
			}
			return optionError
		},
	}

	listenHost := "0.0.0.0"
	if listenAddress != nil {
		listenHost = listenAddress.String()
	}
	conn, err := config.ListenPacket(context.Background(), "udp4", net.JoinHostPort(listenHost, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("binding discovery socket: %w", err)
	}
	return conn.(*net.UDPConn), nil
}

// TCPEndpoint formats a host and port as a ZMQ TCP endpoint URI.
func TCPEndpoint(host net.IP, port uint16) string {
	return fmt.Sprintf("tcp://%s", net.JoinHostPort(host.String(), fmt.Sprint(port)))
}

// EphemeralPort extracts the port from a listener address of the form
// returned by zmq4's Addr() after binding to port 0.
func EphemeralPort(address net.Addr) (uint16, error) {
	tcpAddress, ok := address.(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("not a TCP address: %v", address)
	}
	return uint16(tcpAddress.Port), nil
}
