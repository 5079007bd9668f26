// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/constellation-foundation/constellation/chirp"
	"github.com/constellation-foundation/constellation/chp"
	"github.com/constellation-foundation/constellation/cscp"
	"github.com/constellation-foundation/constellation/lib/clock"
	"github.com/constellation-foundation/constellation/lib/naming"
)

// DefaultTimeout bounds one CSCP request/reply roundtrip.
const DefaultTimeout = 3 * time.Second

// watchdogTimeout caps the watchdog sleep between liveness checks.
const watchdogTimeout = 3 * time.Second

// maxSkew is the tolerated heartbeat timestamp deviation before a
// clock-skew warning is logged.
const maxSkew = 3 * time.Second

// UpdateType classifies a connection update reported through the
// update hook.
type UpdateType uint8

const (
	// UpdateAdded reports a new connection.
	UpdateAdded UpdateType = iota
	// UpdateUpdated reports changed connection data (usually a state
	// change observed via heartbeat).
	UpdateUpdated
	// UpdateRemoved reports a closed and removed connection.
	UpdateRemoved
)

func (u UpdateType) String() string {
	switch u {
	case UpdateAdded:
		return "ADDED"
	case UpdateUpdated:
		return "UPDATED"
	case UpdateRemoved:
		return "REMOVED"
	}
	return fmt.Sprintf("UpdateType(%d)", uint8(u))
}

// connection is the local representation of one remote satellite: its
// request channel, identity and the liveness bookkeeping fed by
// heartbeats. Only accessed under the controller mutex.
type connection struct {
	name     string
	req      zmq4.Socket
	cancel   context.CancelFunc
	hostID   chirp.MD5Hash
	endpoint string

	state       cscp.State
	lastCmdKind cscp.Kind
	lastCmdVerb string

	interval      time.Duration
	lastHeartbeat time.Time
	lastChecked   time.Time
	lives         int
}

// Options configures a Controller.
type Options struct {
	// Beacon is the process-wide discovery service. Required.
	Beacon *chirp.Beacon

	// Timeout bounds each CSCP roundtrip. Zero selects
	// DefaultTimeout.
	Timeout time.Duration

	// UpdateHook, when set, is notified of every connection addition,
	// update and removal, with the row index of the connection in
	// sorted name order. Invoked without the controller lock held.
	UpdateHook func(UpdateType, int)

	// ReachedStateHook, when set, is notified when a state update
	// leaves every connected satellite in the same state and that
	// common state differs from the last one reported.
	ReachedStateHook func(cscp.State)

	// Clock for liveness deadlines and roundtrip timeouts. Nil
	// selects clock.Real().
	Clock clock.Clock

	// Logger for controller records. Nil selects slog.Default().
	Logger *slog.Logger
}

// Controller supervises the satellites of a constellation.
type Controller struct {
	name     string
	beacon   *chirp.Beacon
	receiver *chp.Receiver
	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	updateHook       func(UpdateType, int)
	reachedStateHook func(cscp.State)

	mu          sync.Mutex
	started     bool
	connections map[string]*connection

	// lastGlobal tracks the last common state reported through the
	// reached-state hook, so convergence fires once per transition.
	lastGlobal      cscp.State
	lastGlobalValid bool

	controlToken   int
	heartbeatToken int

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a controller with the given name.
func New(name string, options Options) (*Controller, error) {
	if options.Beacon == nil {
		return nil, fmt.Errorf("controller: discovery beacon must not be nil")
	}
	timeout := options.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	updateHook := options.UpdateHook
	if updateHook == nil {
		updateHook = func(UpdateType, int) {}
	}
	reachedStateHook := options.ReachedStateHook
	if reachedStateHook == nil {
		reachedStateHook = func(cscp.State) {}
	}

	return &Controller{
		name:             name,
		beacon:           options.Beacon,
		timeout:          timeout,
		clock:            clk,
		logger:           logger.With("controller", name),
		updateHook:       updateHook,
		reachedStateHook: reachedStateHook,
		connections:      make(map[string]*connection),
		wake:             make(chan struct{}, 1),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}, nil
}

// Start registers the discovery callbacks, requests announcements
// from already-running satellites and starts the connection watchdog.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("controller: already started")
	}
	c.started = true
	c.mu.Unlock()

	c.receiver = chp.NewReceiver(c.processHeartbeat, c.logger)

	c.controlToken = c.beacon.RegisterDiscoverCallback(chirp.ServiceControl, func(service chirp.DiscoveredService, depart bool) {
		if depart {
			c.removeByHost(service.HostID)
			return
		}
		// Connecting performs a get_name roundtrip; keep the beacon's
		// receive goroutine free.
		go c.connect(service)
	})
	c.heartbeatToken = c.beacon.RegisterDiscoverCallback(chirp.ServiceHeartbeat, func(service chirp.DiscoveredService, depart bool) {
		if depart {
			c.receiver.Disconnect(service.Endpoint())
			return
		}
		if err := c.receiver.Connect(service.Endpoint()); err != nil {
			c.logger.Warn("subscribing to heartbeat failed", "endpoint", service.Endpoint(), "error", err)
		}
	})

	c.beacon.SendRequest(chirp.ServiceControl)
	c.beacon.SendRequest(chirp.ServiceHeartbeat)

	go c.watchdog()
	c.logger.Info("controller started")
	return nil
}

// Close deregisters the discovery callbacks and closes every
// connection.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if !started {
			close(c.done)
			return
		}

		c.beacon.UnregisterDiscoverCallback(c.controlToken)
		c.beacon.UnregisterDiscoverCallback(c.heartbeatToken)

		close(c.stop)
		<-c.done
		c.receiver.Close()

		c.mu.Lock()
		for _, conn := range c.connections {
			conn.req.Close()
			conn.cancel()
		}
		c.connections = make(map[string]*connection)
		c.mu.Unlock()
		c.logger.Info("controller stopped")
	})
	return nil
}

// connect opens a request channel to a discovered control endpoint,
// asks the satellite for its canonical name and registers the
// connection.
func (c *Controller) connect(service chirp.DiscoveredService) {
	endpoint := service.Endpoint()

	ctx, cancel := context.WithCancel(context.Background())
	req := zmq4.NewReq(ctx)
	if err := req.Dial(endpoint); err != nil {
		cancel()
		c.logger.Warn("connecting to control endpoint failed", "endpoint", endpoint, "error", err)
		return
	}

	conn := &connection{
		req:           req,
		cancel:        cancel,
		hostID:        service.HostID,
		endpoint:      endpoint,
		state:         cscp.StateNew,
		interval:      chp.DefaultInterval,
		lastHeartbeat: c.clock.Now(),
		lastChecked:   c.clock.Now(),
		lives:         chp.MaxLives,
	}

	c.mu.Lock()
	reply := c.sendReceiveLocked("", conn, cscp.NewRequest(c.name, "get_name"))
	if reply.Kind != cscp.KindSuccess || reply.Verb == "" {
		c.mu.Unlock()
		req.Close()
		cancel()
		c.logger.Warn("satellite did not report its name", "endpoint", endpoint, "kind", reply.Kind.String())
		return
	}
	name := reply.Verb
	conn.name = name
	key := naming.Fold(name)
	if existing, exists := c.connections[key]; exists {
		// Exactly one connection per canonical name: the newer
		// endpoint wins.
		existing.req.Close()
		existing.cancel()
	}
	c.connections[key] = conn
	// A fresh connection starts in NEW; any previously reported
	// convergence no longer holds.
	c.lastGlobalValid = false
	index := c.indexLocked(key)
	c.mu.Unlock()

	c.logger.Info("satellite connected", "name", name, "endpoint", endpoint)
	c.updateHook(UpdateAdded, index)
	c.notify()
}

// removeByHost drops the connection announced by the given CHIRP host
// identifier.
func (c *Controller) removeByHost(hostID chirp.MD5Hash) {
	c.mu.Lock()
	var key string
	for k, conn := range c.connections {
		if conn.hostID == hostID {
			key = k
			break
		}
	}
	if key == "" {
		c.mu.Unlock()
		return
	}
	name, index := c.removeLocked(key)
	c.mu.Unlock()

	c.logger.Info("satellite departed", "name", name)
	c.updateHook(UpdateRemoved, index)
}

// removeLocked closes and deletes a connection, returning its name
// and former row index. Callers hold c.mu.
func (c *Controller) removeLocked(key string) (string, int) {
	conn := c.connections[key]
	index := c.indexLocked(key)
	conn.req.Close()
	conn.cancel()
	delete(c.connections, key)
	c.lastGlobalValid = false
	return conn.name, index
}

// indexLocked returns the row index of a connection in sorted key
// order. Callers hold c.mu.
func (c *Controller) indexLocked(key string) int {
	keys := make([]string, 0, len(c.connections))
	for k := range c.connections {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}

// SendMessage sends a prepared request to a single satellite and
// returns its reply. Failures are reported as ERROR-kind messages:
// unknown satellite, non-request input, transport failure or timeout.
// A timeout or transport failure closes and removes the connection.
func (c *Controller) SendMessage(satellite string, message cscp.Message) cscp.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := naming.Fold(satellite)
	conn, exists := c.connections[key]
	if !exists {
		return c.errorReply("satellite " + satellite + " is not connected")
	}
	if message.Kind != cscp.KindRequest {
		return c.errorReply("can only send requests")
	}
	return c.sendReceiveLocked(key, conn, message)
}

// SendCommand builds a request from verb and payload and sends it to
// a single satellite. The payload must be nil, a dictionary, a list
// or a string.
func (c *Controller) SendCommand(satellite, verb string, payload any) cscp.Message {
	message, err := cscp.NewRequest(c.name, verb).WithPayload(payload)
	if err != nil {
		return c.errorReply(err.Error())
	}
	return c.SendMessage(satellite, message)
}

// SendCommands sends the same verb and payload to every connected
// satellite and returns the replies keyed by canonical name. There is
// no ordering guarantee across satellites; one unreachable satellite
// does not block the rest.
func (c *Controller) SendCommands(verb string, payload any) map[string]cscp.Message {
	message, err := cscp.NewRequest(c.name, verb).WithPayload(payload)
	if err != nil {
		return map[string]cscp.Message{}
	}
	return c.SendMessages(message)
}

// SendMessages sends a prepared request to every connected satellite.
// The payload frame is shared across sends.
func (c *Controller) SendMessages(message cscp.Message) map[string]cscp.Message {
	replies := make(map[string]cscp.Message)
	for _, name := range c.Connections() {
		replies[name] = c.SendMessage(name, message)
	}
	return replies
}

// SendCommandsEach sends the verb to every connected satellite with a
// per-satellite payload. Satellites without an entry in the payload
// map receive no payload. Payload map keys are matched
// case-insensitively.
func (c *Controller) SendCommandsEach(verb string, payloads map[string]any) map[string]cscp.Message {
	folded := make(map[string]any, len(payloads))
	for name, payload := range payloads {
		folded[naming.Fold(name)] = payload
	}

	replies := make(map[string]cscp.Message)
	for _, name := range c.Connections() {
		replies[name] = c.SendCommand(name, verb, folded[naming.Fold(name)])
	}
	return replies
}

// sendReceiveLocked performs one request/reply roundtrip on a
// connection. The controller mutex is held for the whole roundtrip to
// preserve REQ/REP ordering. On timeout the connection's socket is
// closed and, when registered, the connection removed.
func (c *Controller) sendReceiveLocked(key string, conn *connection, message cscp.Message) cscp.Message {
	frames, err := message.Frames()
	if err != nil {
		return c.errorReply("assembling request: " + err.Error())
	}

	type result struct {
		msg zmq4.Msg
		err error
	}
	results := make(chan result, 1)
	go func() {
		if err := conn.req.Send(zmq4.NewMsgFrom(frames...)); err != nil {
			results <- result{err: err}
			return
		}
		msg, err := conn.req.Recv()
		results <- result{msg: msg, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			c.dropLocked(key)
			return c.errorReply("transport failure: " + r.err.Error())
		}
		reply, err := cscp.FromFrames(r.msg.Frames)
		if err != nil {
			return c.errorReply("malformed reply: " + err.Error())
		}
		conn.lastCmdKind = reply.Kind
		conn.lastCmdVerb = reply.Verb
		return reply
	case <-c.clock.After(c.timeout):
		// Closing the socket interrupts the pending receive.
		conn.req.Close()
		conn.cancel()
		c.dropLocked(key)
		return c.errorReply("timeout")
	}
}

// dropLocked removes a registered connection after a transport
// failure. The update hook fires asynchronously to avoid invoking it
// under the lock.
func (c *Controller) dropLocked(key string) {
	if key == "" {
		return
	}
	if _, exists := c.connections[key]; !exists {
		return
	}
	name, index := c.removeLocked(key)
	c.logger.Warn("connection dropped", "name", name)
	go c.updateHook(UpdateRemoved, index)
}

func (c *Controller) errorReply(reason string) cscp.Message {
	return cscp.New(c.name, cscp.KindError, reason)
}

// IsInState reports whether every connected satellite is in the given
// state. An empty connection set reports false.
func (c *Controller) IsInState(state cscp.State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.connections) == 0 {
		return false
	}
	for _, conn := range c.connections {
		if conn.state != state {
			return false
		}
	}
	return true
}

// LowestState returns the lowest state across all connections by
// state-enum order, or NEW when none are connected.
func (c *Controller) LowestState() cscp.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	lowest := cscp.StateNew
	first := true
	for _, conn := range c.connections {
		if first || conn.state < lowest {
			lowest = conn.state
			first = false
		}
	}
	return lowest
}

// Connections returns the canonical names of the connected
// satellites, sorted.
func (c *Controller) Connections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.connections))
	for _, conn := range c.connections {
		names = append(names, conn.name)
	}
	sort.Strings(names)
	return names
}

// SatelliteState returns the last observed state of the named
// satellite.
func (c *Controller) SatelliteState(satellite string) (cscp.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, exists := c.connections[naming.Fold(satellite)]
	if !exists {
		return 0, false
	}
	return conn.state, true
}

// RunIdentifier queries the connected satellites for the current or
// last run identifier and returns the first non-empty answer.
func (c *Controller) RunIdentifier() string {
	for _, name := range c.Connections() {
		reply := c.SendCommand(name, "get_run_id", nil)
		if reply.Kind == cscp.KindSuccess && reply.Verb != "" {
			return reply.Verb
		}
	}
	return ""
}

// RunStartTime queries the connected satellites for the run start
// time and returns the latest value found.
func (c *Controller) RunStartTime() (time.Time, bool) {
	var latest time.Time
	found := false
	for _, name := range c.Connections() {
		reply := c.SendCommand(name, "get_run_start_time", nil)
		if reply.Kind != cscp.KindSuccess {
			continue
		}
		start, err := time.Parse(time.RFC3339Nano, reply.Verb)
		if err != nil {
			continue
		}
		if !found || start.After(latest) {
			latest = start
			found = true
		}
	}
	return latest, found
}

// processHeartbeat feeds a received heartbeat into the connection
// bookkeeping: refresh liveness, record the state, and report
// convergence when all satellites share a state.
func (c *Controller) processHeartbeat(message chp.Message) {
	now := c.clock.Now()

	c.mu.Lock()
	conn, exists := c.connections[naming.Fold(message.Sender)]
	if !exists {
		c.mu.Unlock()
		return
	}

	if skew := now.Sub(message.Time); skew > maxSkew || skew < -maxSkew {
		c.logger.Warn("clock skew detected", "satellite", message.Sender, "skew", skew)
	}

	conn.interval = message.Interval
	conn.lastHeartbeat = now
	changed := conn.state != message.State
	conn.state = message.State
	if message.State != cscp.StateError && message.State != cscp.StateSafe {
		conn.lives = chp.MaxLives
	}

	index := c.indexLocked(naming.Fold(message.Sender))

	fireReached := false
	common, allSame := c.commonStateLocked()
	if allSame {
		if !c.lastGlobalValid || c.lastGlobal != common {
			c.lastGlobal = common
			c.lastGlobalValid = true
			fireReached = true
		}
	} else {
		c.lastGlobalValid = false
	}
	c.mu.Unlock()

	if changed {
		c.updateHook(UpdateUpdated, index)
	}
	if fireReached {
		c.logger.Info("constellation reached state", "state", common.String())
		c.reachedStateHook(common)
	}
	c.notify()
}

// commonStateLocked reports the state shared by every connection, if
// any. Callers hold c.mu.
func (c *Controller) commonStateLocked() (cscp.State, bool) {
	if len(c.connections) == 0 {
		return 0, false
	}
	var common cscp.State
	first := true
	for _, conn := range c.connections {
		if first {
			common = conn.state
			first = false
			continue
		}
		if conn.state != common {
			return 0, false
		}
	}
	return common, true
}

func (c *Controller) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// watchdog performs the late-heartbeat bookkeeping and drops
// connections that have run out of lives.
func (c *Controller) watchdog() {
	defer close(c.done)
	for {
		wait := c.checkConnections()
		select {
		case <-c.clock.After(wait):
		case <-c.wake:
		case <-c.stop:
			return
		}
	}
}

// checkConnections subtracts lives for missed heartbeats and removes
// dead connections, returning the time until the next expected
// heartbeat capped at watchdogTimeout.
func (c *Controller) checkConnections() time.Duration {
	type removal struct {
		name  string
		index int
	}
	var removals []removal

	c.mu.Lock()
	now := c.clock.Now()
	wait := watchdogTimeout

	keys := make([]string, 0, len(c.connections))
	for key := range c.connections {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		conn := c.connections[key]
		if conn.lives > 0 && now.Sub(conn.lastHeartbeat) > conn.interval && now.Sub(conn.lastChecked) > conn.interval {
			conn.lives--
			conn.lastChecked = now
			c.logger.Debug("missed heartbeat", "satellite", conn.name, "lives", conn.lives)
			if conn.lives == 0 {
				name, index := c.removeLocked(key)
				removals = append(removals, removal{name: name, index: index})
				continue
			}
		}
		if next := conn.lastHeartbeat.Add(conn.interval); next.After(now) {
			if until := next.Sub(now); until < wait {
				wait = until
			}
		}
	}
	c.mu.Unlock()

	for _, removed := range removals {
		c.logger.Warn("no signs of life, dropping connection", "satellite", removed.name)
		c.updateHook(UpdateRemoved, removed.index)
	}
	return wait
}
