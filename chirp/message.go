// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package chirp

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/constellation-foundation/constellation/lib/netutil"
)

// Port is the fixed UDP port CHIRP beacons are exchanged on.
const Port = 7123

// Version is the protocol version emitted and accepted by this
// implementation.
const Version = 1

// MessageLength is the fixed length of an encoded CHIRP message.
const MessageLength = 42

// magic is the five-byte protocol tag at the start of every beacon.
var magic = [5]byte{'C', 'H', 'I', 'R', 'P'}

// MD5Hash is a 16-byte digest identifying a group or host. Equality
// and ordering are byte-lexicographic.
type MD5Hash [16]byte

// NewMD5Hash returns the digest of a UTF-8 name.
func NewMD5Hash(name string) MD5Hash {
	return md5.Sum([]byte(name))
}

// String returns the lowercase hex representation of the digest.
func (h MD5Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Compare returns -1, 0 or 1 ordering two digests byte-lexicographically.
func (h MD5Hash) Compare(other MD5Hash) int {
	return bytes.Compare(h[:], other[:])
}

// MessageType distinguishes the three CHIRP beacon kinds.
type MessageType uint8

const (
	// TypeRequest asks hosts offering a service to respond with an OFFER.
	TypeRequest MessageType = 1
	// TypeOffer announces a service offered by the sending host.
	TypeOffer MessageType = 2
	// TypeDepart announces that a service is no longer offered.
	TypeDepart MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeOffer:
		return "OFFER"
	case TypeDepart:
		return "DEPART"
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// ServiceIdentifier names one of the closed set of per-satellite
// service endpoints announced over CHIRP.
type ServiceIdentifier uint8

const (
	// ServiceControl is the CSCP command endpoint.
	ServiceControl ServiceIdentifier = 1
	// ServiceHeartbeat is the CHP publisher endpoint.
	ServiceHeartbeat ServiceIdentifier = 2
	// ServiceMonitoring is the monitoring endpoint.
	ServiceMonitoring ServiceIdentifier = 3
	// ServiceData is the data transport endpoint.
	ServiceData ServiceIdentifier = 4
)

func (s ServiceIdentifier) String() string {
	switch s {
	case ServiceControl:
		return "CONTROL"
	case ServiceHeartbeat:
		return "HEARTBEAT"
	case ServiceMonitoring:
		return "MONITORING"
	case ServiceData:
		return "DATA"
	}
	return fmt.Sprintf("ServiceIdentifier(%d)", uint8(s))
}

// DecodeError reports a malformed CHIRP beacon. Decode failures are
// logged at debug level and dropped; they never affect state.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "chirp: " + e.Reason
}

// Message is one CHIRP beacon. The zero value is not valid; construct
// with NewMessage or DecodeMessage.
type Message struct {
	Type      MessageType
	GroupID   MD5Hash
	HostID    MD5Hash
	ServiceID ServiceIdentifier
	// ServicePort is the TCP port of the announced service. Zero in
	// REQUEST messages.
	ServicePort uint16
}

// NewMessage builds a beacon from group and host names, hashing them
// into their wire identifiers.
func NewMessage(messageType MessageType, group, host string, service ServiceIdentifier, port uint16) Message {
	return Message{
		Type:        messageType,
		GroupID:     NewMD5Hash(group),
		HostID:      NewMD5Hash(host),
		ServiceID:   service,
		ServicePort: port,
	}
}

// Encode serializes the message into its fixed 42-byte wire form:
// magic, version, type, group digest, host digest, service identifier
// and the little-endian service port.
func (m Message) Encode() [MessageLength]byte {
	var out [MessageLength]byte
	copy(out[0:5], magic[:])
	out[5] = Version
	out[6] = uint8(m.Type)
	copy(out[7:23], m.GroupID[:])
	copy(out[23:39], m.HostID[:])
	out[39] = uint8(m.ServiceID)
	out[40] = uint8(m.ServicePort & 0xFF)
	out[41] = uint8(m.ServicePort >> 8)
	return out
}

// DecodeMessage parses a received datagram. It validates length, magic,
// version and the enum ranges in wire order and returns a *DecodeError
// on the first violation.
func DecodeMessage(data []byte) (Message, error) {
	if len(data) != MessageLength {
		return Message{}, &DecodeError{Reason: fmt.Sprintf("message length is %d, not %d bytes", len(data), MessageLength)}
	}
	if !bytes.Equal(data[0:5], magic[:]) || data[5] != Version {
		return Message{}, &DecodeError{Reason: "not a CHIRP v1 broadcast"}
	}
	if data[6] < uint8(TypeRequest) || data[6] > uint8(TypeDepart) {
		return Message{}, &DecodeError{Reason: "message type invalid"}
	}
	if data[39] < uint8(ServiceControl) || data[39] > uint8(ServiceData) {
		return Message{}, &DecodeError{Reason: "service identifier invalid"}
	}

	var m Message
	m.Type = MessageType(data[6])
	copy(m.GroupID[:], data[7:23])
	copy(m.HostID[:], data[23:39])
	m.ServiceID = ServiceIdentifier(data[39])
	m.ServicePort = uint16(data[40]) | uint16(data[41])<<8
	return m, nil
}

// DiscoveredService is an immutable record of a remote service, owned
// by the discovery cache from OFFER until DEPART or cache reset.
type DiscoveredService struct {
	GroupID   MD5Hash
	HostID    MD5Hash
	ServiceID ServiceIdentifier
	Address   net.IP
	Port      uint16
}

// Endpoint returns the service's TCP endpoint URI.
func (s DiscoveredService) Endpoint() string {
	return netutil.TCPEndpoint(s.Address, s.Port)
}
