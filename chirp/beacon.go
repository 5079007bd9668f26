// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package chirp

import (
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/constellation-foundation/constellation/lib/netutil"
)

// DiscoverCallback is invoked for every OFFER and DEPART matching a
// registered service identifier, on the beacon's receive goroutine.
// Callbacks must not block; hand work to another goroutine if needed.
type DiscoverCallback func(service DiscoveredService, depart bool)

// RegisteredService is one locally offered service announced over
// CHIRP.
type RegisteredService struct {
	ServiceID ServiceIdentifier
	Port      uint16
}

// Options configures a Beacon beyond its group and host names. The
// zero value selects the IPv4 broadcast and any addresses, the
// standard CHIRP port and the default logger.
type Options struct {
	// ListenAddress is the local address the UDP socket binds to.
	// Nil binds the any address.
	ListenAddress net.IP

	// BroadcastAddress is the destination for outgoing beacons. Nil
	// selects the limited broadcast address 255.255.255.255.
	BroadcastAddress net.IP

	// Port overrides the CHIRP UDP port. Zero selects the default.
	Port int

	// Logger receives debug records for sent, received and dropped
	// beacons. Nil selects slog.Default().
	Logger *slog.Logger
}

// Beacon announces locally offered services over UDP broadcast and
// maintains a cache of services discovered from remote hosts in the
// same group. All methods are safe for concurrent use once Start has
// returned.
type Beacon struct {
	groupName string
	hostName  string
	groupID   MD5Hash
	hostID    MD5Hash

	broadcastAddress *net.UDPAddr
	listenAddress    net.IP
	port             int
	logger           *slog.Logger

	mu         sync.Mutex
	started    bool
	conn       *net.UDPConn
	registered map[RegisteredService]struct{}
	discovered map[discoveryKey]DiscoveredService
	callbacks  []callbackEntry
	nextToken  int

	done chan struct{}
}

// discoveryKey dedupes the discovery cache: one entry per host and
// service identifier, regardless of announced endpoint.
type discoveryKey struct {
	hostID    MD5Hash
	serviceID ServiceIdentifier
}

type callbackEntry struct {
	token     int
	serviceID ServiceIdentifier
	callback  DiscoverCallback
}

// NewBeacon creates a beacon for the given group and host names. Call
// Start to bind the socket and begin receiving.
func NewBeacon(group, host string, options Options) *Beacon {
	broadcastIP := options.BroadcastAddress
	if broadcastIP == nil {
		broadcastIP = net.IPv4bcast
	}
	port := options.Port
	if port == 0 {
		port = Port
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Beacon{
		groupName:        group,
		hostName:         host,
		groupID:          NewMD5Hash(group),
		hostID:           NewMD5Hash(host),
		broadcastAddress: &net.UDPAddr{IP: broadcastIP, Port: port},
		listenAddress:    options.ListenAddress,
		port:             port,
		logger:           logger.With("component", "chirp"),
		registered:       make(map[RegisteredService]struct{}),
		discovered:       make(map[discoveryKey]DiscoveredService),
		done:             make(chan struct{}),
	}
}

// GroupID returns the digest of the beacon's group name.
func (b *Beacon) GroupID() MD5Hash { return b.groupID }

// HostID returns the digest of the beacon's host name.
func (b *Beacon) HostID() MD5Hash { return b.hostID }

// Start binds the broadcast UDP socket and begins receiving beacons.
// Returns an error if the socket cannot be bound; discovery is a hard
// requirement and callers should treat this as fatal.
func (b *Beacon) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("chirp: beacon already started")
	}

	conn, err := netutil.ListenBroadcastUDP(b.listenAddress, b.port)
	if err != nil {
		return err
	}
	b.conn = conn
	b.started = true

	go b.receiveLoop()
	b.logger.Info("discovery started", "group", b.groupName, "host", b.hostName, "port", b.port)
	return nil
}

// Close broadcasts a DEPART for every locally registered service,
// closes the socket and waits for the receive loop to exit. The
// discovered-service cache is left intact for post-mortem inspection.
func (b *Beacon) Close() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	for service := range b.registered {
		b.sendLocked(TypeDepart, service.ServiceID, service.Port)
	}
	clear(b.registered)
	conn := b.conn
	b.mu.Unlock()

	err := conn.Close()
	<-b.done
	return err
}

// RegisterService records a locally offered service and broadcasts an
// OFFER for it. Idempotent per (service, port): re-registering an
// already registered pair leaves the set unchanged and sends nothing.
// Returns false when the pair was already registered.
func (b *Beacon) RegisterService(service ServiceIdentifier, port uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := RegisteredService{ServiceID: service, Port: port}
	if _, exists := b.registered[entry]; exists {
		return false
	}
	b.registered[entry] = struct{}{}
	b.sendLocked(TypeOffer, service, port)
	return true
}

// UnregisterService broadcasts a DEPART and removes the record.
// Returns false when the pair was not registered.
func (b *Beacon) UnregisterService(service ServiceIdentifier, port uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := RegisteredService{ServiceID: service, Port: port}
	if _, exists := b.registered[entry]; !exists {
		return false
	}
	delete(b.registered, entry)
	b.sendLocked(TypeDepart, service, port)
	return true
}

// UnregisterServices broadcasts a DEPART for every registered service
// and clears the registered set.
func (b *Beacon) UnregisterServices() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for service := range b.registered {
		b.sendLocked(TypeDepart, service.ServiceID, service.Port)
	}
	clear(b.registered)
}

// RegisteredServices returns a snapshot of the locally offered
// services.
func (b *Beacon) RegisteredServices() []RegisteredService {
	b.mu.Lock()
	defer b.mu.Unlock()
	services := make([]RegisteredService, 0, len(b.registered))
	for service := range b.registered {
		services = append(services, service)
	}
	return services
}

// SendRequest broadcasts a REQUEST beacon for the given service. Hosts
// offering it respond with an OFFER.
func (b *Beacon) SendRequest(service ServiceIdentifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendLocked(TypeRequest, service, 0)
}

// RegisterDiscoverCallback registers a callback for OFFER and DEPART
// beacons matching the given service identifier. Callbacks fire in
// registration order. The returned token unregisters the callback via
// UnregisterDiscoverCallback.
func (b *Beacon) RegisterDiscoverCallback(service ServiceIdentifier, callback DiscoverCallback) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	b.callbacks = append(b.callbacks, callbackEntry{
		token:     b.nextToken,
		serviceID: service,
		callback:  callback,
	})
	return b.nextToken
}

// UnregisterDiscoverCallback removes a callback by its registration
// token. Returns false when the token is unknown.
func (b *Beacon) UnregisterDiscoverCallback(token int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, entry := range b.callbacks {
		if entry.token == token {
			b.callbacks = append(b.callbacks[:i], b.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

// UnregisterDiscoverCallbacks removes all registered callbacks.
func (b *Beacon) UnregisterDiscoverCallbacks() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = nil
}

// DiscoveredServices returns a snapshot of every cached remote
// service.
func (b *Beacon) DiscoveredServices() []DiscoveredService {
	b.mu.Lock()
	defer b.mu.Unlock()
	services := make([]DiscoveredService, 0, len(b.discovered))
	for _, service := range b.discovered {
		services = append(services, service)
	}
	return services
}

// DiscoveredServicesFor returns a snapshot of the cached remote
// services with the given identifier.
func (b *Beacon) DiscoveredServicesFor(service ServiceIdentifier) []DiscoveredService {
	b.mu.Lock()
	defer b.mu.Unlock()
	var services []DiscoveredService
	for key, cached := range b.discovered {
		if key.serviceID == service {
			services = append(services, cached)
		}
	}
	return services
}

// ForgetDiscoveredServices drops the entire discovery cache without
// invoking callbacks. Subsequent OFFERs repopulate it.
func (b *Beacon) ForgetDiscoveredServices() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.discovered)
}

// sendLocked encodes and broadcasts one beacon. Callers hold b.mu.
// Before Start (no socket yet) the send is skipped; registrations are
// announced again by peers requesting them.
func (b *Beacon) sendLocked(messageType MessageType, service ServiceIdentifier, port uint16) {
	if b.conn == nil {
		return
	}
	message := Message{
		Type:        messageType,
		GroupID:     b.groupID,
		HostID:      b.hostID,
		ServiceID:   service,
		ServicePort: port,
	}
	encoded := message.Encode()
	if _, err := b.conn.WriteToUDP(encoded[:], b.broadcastAddress); err != nil {
		b.logger.Warn("beacon send failed", "type", messageType.String(), "service", service.String(), "error", err)
		return
	}
	b.logger.Debug("beacon sent", "type", messageType.String(), "service", service.String(), "port", port)
}

// receiveLoop blocks on the UDP socket until Close. Each datagram is
// decoded, filtered and dispatched under the beacon mutex.
func (b *Beacon) receiveLoop() {
	defer close(b.done)
	buffer := make([]byte, 1024)
	for {
		n, remote, err := b.conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Warn("beacon receive failed", "error", err)
			continue
		}

		message, err := DecodeMessage(buffer[:n])
		if err != nil {
			b.logger.Debug("dropping malformed beacon", "from", remote.IP.String(), "error", err)
			continue
		}
		if message.HostID == b.hostID {
			continue
		}
		if message.GroupID != b.groupID {
			continue
		}

		b.handleMessage(message, remote.IP)
	}
}

func (b *Beacon) handleMessage(message Message, from net.IP) {
	b.logger.Debug("beacon received",
		"type", message.Type.String(),
		"service", message.ServiceID.String(),
		"host", message.HostID.String(),
		"from", from.String())

	switch message.Type {
	case TypeRequest:
		b.handleRequest(message.ServiceID)
	case TypeOffer:
		b.handleOffer(message, from)
	case TypeDepart:
		b.handleDepart(message)
	}
}

// handleRequest answers a REQUEST by re-broadcasting an OFFER for
// every locally registered service with the requested identifier.
func (b *Beacon) handleRequest(service ServiceIdentifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for registered := range b.registered {
		if registered.ServiceID == service {
			b.sendLocked(TypeOffer, registered.ServiceID, registered.Port)
		}
	}
}

// handleOffer inserts or refreshes the cache entry for the announcing
// host. A repeated OFFER with an unchanged endpoint is silent; a
// changed endpoint is reported to callbacks as DEPART of the old entry
// followed by OFFER of the new one.
func (b *Beacon) handleOffer(message Message, from net.IP) {
	service := DiscoveredService{
		GroupID:   message.GroupID,
		HostID:    message.HostID,
		ServiceID: message.ServiceID,
		Address:   from,
		Port:      message.ServicePort,
	}
	key := discoveryKey{hostID: message.HostID, serviceID: message.ServiceID}

	b.mu.Lock()
	previous, known := b.discovered[key]
	b.discovered[key] = service
	callbacks := b.callbacksFor(message.ServiceID)
	b.mu.Unlock()

	if known && previous.Port == service.Port && previous.Address.Equal(service.Address) {
		return
	}
	if known {
		for _, callback := range callbacks {
			callback(previous, true)
		}
	}
	for _, callback := range callbacks {
		callback(service, false)
	}
}

// handleDepart removes the cache entry for the departing host, if
// known, and notifies callbacks with the cached endpoint.
func (b *Beacon) handleDepart(message Message) {
	key := discoveryKey{hostID: message.HostID, serviceID: message.ServiceID}

	b.mu.Lock()
	departed, known := b.discovered[key]
	if known {
		delete(b.discovered, key)
	}
	callbacks := b.callbacksFor(message.ServiceID)
	b.mu.Unlock()

	if !known {
		b.logger.Debug("depart for unknown service", "host", message.HostID.String(), "service", message.ServiceID.String())
		return
	}
	for _, callback := range callbacks {
		callback(departed, true)
	}
}

// callbacksFor snapshots the callbacks registered for a service
// identifier, in registration order. Callers hold b.mu.
func (b *Beacon) callbacksFor(service ServiceIdentifier) []DiscoverCallback {
	var callbacks []DiscoverCallback
	for _, entry := range b.callbacks {
		if entry.serviceID == service {
			callbacks = append(callbacks, entry.callback)
		}
	}
	return callbacks
}
