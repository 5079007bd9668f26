// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package satellite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/constellation-foundation/constellation/chirp"
	"github.com/constellation-foundation/constellation/chp"
	"github.com/constellation-foundation/constellation/cscp"
	"github.com/constellation-foundation/constellation/lib/clock"
	"github.com/constellation-foundation/constellation/lib/naming"
	"github.com/constellation-foundation/constellation/lib/netutil"
	"github.com/constellation-foundation/constellation/lib/version"
)

// Options configures a Satellite beyond its type, name and
// implementation.
type Options struct {
	// Beacon is the process-wide discovery service the satellite
	// announces its endpoints on. Required.
	Beacon *chirp.Beacon

	// HeartbeatInterval between scheduled heartbeats. Zero selects
	// the CHP default.
	HeartbeatInterval time.Duration

	// SupportReconfigure opts the implementation into the
	// reconfigure transition. Without it, reconfigure requests are
	// answered NOTIMPLEMENTED.
	SupportReconfigure bool

	// Clock for timestamps and heartbeat scheduling. Nil selects
	// clock.Real().
	Clock clock.Clock

	// Logger for satellite records. Nil selects slog.Default().
	Logger *slog.Logger
}

// Satellite is one controllable node: it serves CSCP requests on a
// REP socket, announces its control and heartbeat endpoints over
// CHIRP, publishes its state over CHP, and watches the heartbeats of
// its peers so it can fall to SAFE autonomously when the
// constellation degrades.
type Satellite struct {
	satelliteType string
	satelliteName string
	canonical     string
	impl          Implementation
	beacon        *chirp.Beacon
	clock         clock.Clock
	logger        *slog.Logger

	fsm                 *FSM
	registry            *Registry
	supportsReconfigure bool
	heartbeatInterval   time.Duration

	mu             sync.Mutex
	started        bool
	heartbeats     *chp.Manager
	socket         zmq4.Socket
	socketCancel   context.CancelFunc
	controlPort    uint16
	heartbeatToken int
	status         string
	config         map[string]any
	runID          string
	runStart       time.Time

	shutdownOnce      sync.Once
	shutdownRequested chan struct{}
	loopDone          chan struct{}
	closeOnce         sync.Once
}

// New creates a satellite of the given type and name. Both halves
// must be valid name components; the canonical name "type.name"
// identifies the satellite everywhere.
func New(satelliteType, satelliteName string, impl Implementation, options Options) (*Satellite, error) {
	canonical, err := naming.Canonical(satelliteType, satelliteName)
	if err != nil {
		return nil, err
	}
	if impl == nil {
		return nil, fmt.Errorf("satellite: implementation must not be nil")
	}
	if options.Beacon == nil {
		return nil, fmt.Errorf("satellite: discovery beacon must not be nil")
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	satellite := &Satellite{
		satelliteType:       satelliteType,
		satelliteName:       satelliteName,
		canonical:           canonical,
		impl:                impl,
		beacon:              options.Beacon,
		clock:               clk,
		logger:              logger.With("satellite", canonical),
		registry:            NewRegistry(),
		supportsReconfigure: options.SupportReconfigure,
		heartbeatInterval:   options.HeartbeatInterval,
		status:              "created",
		shutdownRequested:   make(chan struct{}),
		loopDone:            make(chan struct{}),
	}
	satellite.fsm = NewFSM(impl, FSMOptions{
		Logger:       logger,
		StateChanged: satellite.onStateChanged,
	})
	return satellite, nil
}

// CanonicalName returns the satellite's "type.name" identifier.
func (s *Satellite) CanonicalName() string { return s.canonical }

// State returns the current FSM state.
func (s *Satellite) State() cscp.State { return s.fsm.State() }

// Registry returns the user command registry. Register commands
// before Start.
func (s *Satellite) Registry() *Registry { return s.registry }

// SetStatus updates the status string reported by get_status.
func (s *Satellite) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// ControlPort returns the ephemeral port of the CSCP REP socket.
// Valid after Start.
func (s *Satellite) ControlPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlPort
}

// HeartbeatPort returns the ephemeral port of the CHP publisher.
// Valid after Start.
func (s *Satellite) HeartbeatPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeats == nil {
		return 0
	}
	return s.heartbeats.Port()
}

// ShutdownRequested is closed when a controller issued the shutdown
// command. The process entry point waits on it and then calls Close.
func (s *Satellite) ShutdownRequested() <-chan struct{} { return s.shutdownRequested }

// Start binds the control socket, starts the heartbeat manager and
// announces both endpoints over CHIRP.
func (s *Satellite) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("satellite: already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	socket := zmq4.NewRep(ctx)
	if err := socket.Listen("tcp://0.0.0.0:0"); err != nil {
		cancel()
		return fmt.Errorf("binding control socket: %w", err)
	}
	controlPort, err := netutil.EphemeralPort(socket.Addr())
	if err != nil {
		socket.Close()
		cancel()
		return fmt.Errorf("resolving control port: %w", err)
	}

	heartbeats, err := chp.NewManager(s.canonical, s.fsm.State, s.onInterrupt, chp.ManagerOptions{
		SenderOptions: chp.SenderOptions{Interval: s.heartbeatInterval},
		Clock:         s.clock,
		Logger:        s.logger,
	})
	if err != nil {
		socket.Close()
		cancel()
		return fmt.Errorf("starting heartbeat manager: %w", err)
	}

	s.socket = socket
	s.socketCancel = cancel
	s.controlPort = controlPort
	s.heartbeats = heartbeats
	s.started = true

	// Watch peer heartbeats for autonomous degradation handling.
	s.heartbeatToken = s.beacon.RegisterDiscoverCallback(chirp.ServiceHeartbeat, func(service chirp.DiscoveredService, depart bool) {
		if depart {
			heartbeats.Disconnect(service.Endpoint())
			return
		}
		if err := heartbeats.Connect(service.Endpoint()); err != nil {
			s.logger.Warn("subscribing to peer heartbeat failed", "endpoint", service.Endpoint(), "error", err)
		}
	})

	s.beacon.RegisterService(chirp.ServiceControl, controlPort)
	s.beacon.RegisterService(chirp.ServiceHeartbeat, heartbeats.Port())
	s.beacon.SendRequest(chirp.ServiceHeartbeat)

	go s.dispatchLoop()
	s.logger.Info("satellite started", "control_port", controlPort, "heartbeat_port", heartbeats.Port())
	return nil
}

// Close withdraws the satellite from the constellation: unregisters
// its CHIRP services, stops the dispatch loop, the heartbeat manager
// and the FSM workers.
func (s *Satellite) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.started = false
		socket := s.socket
		cancel := s.socketCancel
		heartbeats := s.heartbeats
		controlPort := s.controlPort
		token := s.heartbeatToken
		s.mu.Unlock()

		if !started {
			return
		}

		s.beacon.UnregisterDiscoverCallback(token)
		s.beacon.UnregisterService(chirp.ServiceControl, controlPort)
		s.beacon.UnregisterService(chirp.ServiceHeartbeat, heartbeats.Port())

		cancel()
		socket.Close()
		<-s.loopDone

		heartbeats.Close()
		s.fsm.Close()
		s.logger.Info("satellite stopped")
	})
	return nil
}

// onStateChanged publishes an extrasystole on every transition and
// records the run start time on entry into RUN.
func (s *Satellite) onStateChanged(state cscp.State) {
	s.mu.Lock()
	heartbeats := s.heartbeats
	if state == cscp.StateRun {
		s.runStart = s.clock.Now().UTC()
	}
	s.mu.Unlock()

	if heartbeats != nil {
		heartbeats.Extrasystole()
	}
}

// onInterrupt reacts to a degraded constellation: when in ORBIT or
// RUN, fall to SAFE. In other states the interrupt is not applicable
// and is only logged.
func (s *Satellite) onInterrupt(reason string) {
	if err := s.fsm.React(TransitionInterrupt, nil); err != nil {
		s.logger.Debug("interrupt not applicable", "reason", reason, "error", err)
		return
	}
	s.logger.Warn("interrupted", "reason", reason)
	s.SetStatus("interrupted: " + reason)
}

func (s *Satellite) dispatchLoop() {
	defer close(s.loopDone)
	for {
		request, err := s.socket.Recv()
		if err != nil {
			return
		}
		reply := s.handle(request.Frames)
		frames, err := reply.Frames()
		if err != nil {
			s.logger.Warn("reply assembly failed", "error", err)
			fallback, _ := cscp.New(s.canonical, cscp.KindError, "internal error").Frames()
			frames = fallback
		}
		if err := s.socket.Send(zmq4.NewMsgFrom(frames...)); err != nil {
			return
		}
	}
}

// handle produces the reply for one request. Every malformed or
// rejected request is answered; the REP socket must always send
// exactly one reply per request.
func (s *Satellite) handle(frames [][]byte) cscp.Message {
	request, err := cscp.FromFrames(frames)
	if err != nil {
		s.logger.Debug("dropping malformed request", "error", err)
		return s.reply(cscp.KindError, fmt.Sprintf("malformed request: %v", err))
	}
	if request.Kind != cscp.KindRequest {
		return s.reply(cscp.KindError, "not a request")
	}

	verb := naming.Fold(request.Verb)
	s.logger.Debug("request", "verb", verb, "from", request.Sender)

	switch verb {
	case "get_name":
		return s.reply(cscp.KindSuccess, s.canonical)
	case "get_version":
		return s.reply(cscp.KindSuccess, version.Version)
	case "get_commands":
		return s.getCommands()
	case "get_state":
		return s.reply(cscp.KindSuccess, s.fsm.State().String())
	case "get_status":
		s.mu.Lock()
		status := s.status
		s.mu.Unlock()
		return s.reply(cscp.KindSuccess, status)
	case "get_config":
		return s.getConfig()
	case "get_run_id":
		return s.getRunValue(func() string { return s.runID })
	case "get_run_start_time":
		return s.getRunValue(func() string { return s.runStart.Format(time.RFC3339Nano) })
	case "initialize":
		return s.initialize(request)
	case "launch":
		return s.transitionCommand(TransitionLaunch, nil)
	case "land":
		return s.transitionCommand(TransitionLand, nil)
	case "reconfigure":
		return s.reconfigure(request)
	case "start":
		return s.start(request)
	case "stop":
		return s.transitionCommand(TransitionStop, nil)
	case "_interrupt":
		return s.transitionCommand(TransitionInterrupt, nil)
	case "shutdown":
		return s.shutdown()
	}

	return s.userCommand(request)
}

func (s *Satellite) reply(kind cscp.Kind, verb string) cscp.Message {
	return cscp.New(s.canonical, kind, verb)
}

func (s *Satellite) getCommands() cscp.Message {
	commands := map[string]any{
		"get_name":           "Get the canonical name of the satellite.",
		"get_version":        "Get the Constellation framework version.",
		"get_commands":       "Get all commands supported by the satellite.",
		"get_state":          "Get the current state of the satellite.",
		"get_status":         "Get the status message of the satellite.",
		"get_config":         "Get the applied configuration. Only available after initialization.",
		"get_run_id":         "Get the identifier of the current run. Only available during RUN.",
		"get_run_start_time": "Get the starting time of the current run. Only available during RUN.",
		"initialize":         "Initialize the satellite with a configuration dictionary.",
		"launch":             "Launch the satellite into ORBIT.",
		"land":               "Land the satellite back into INIT.",
		"reconfigure":        "Apply a partial configuration in ORBIT.",
		"start":              "Start a run with the given run identifier.",
		"stop":               "Stop the current run.",
		"shutdown":           "Shut the satellite down. Only allowed from NEW, INIT, SAFE or ERROR.",
	}
	for name, description := range s.registry.Describe() {
		commands[name] = description
	}
	message, err := s.reply(cscp.KindSuccess, "currently supported commands").WithPayload(commands)
	if err != nil {
		return s.reply(cscp.KindError, fmt.Sprintf("encoding command list: %v", err))
	}
	return message
}

func (s *Satellite) getConfig() cscp.Message {
	state := s.fsm.State()
	if !state.IsSteady() || state < cscp.StateInit {
		return s.reply(cscp.KindInvalid, "satellite is not initialized")
	}
	s.mu.Lock()
	config := make(map[string]any, len(s.config))
	for key, value := range s.config {
		config[key] = value
	}
	s.mu.Unlock()

	message, err := s.reply(cscp.KindSuccess, "applied configuration").WithPayload(config)
	if err != nil {
		return s.reply(cscp.KindError, fmt.Sprintf("encoding configuration: %v", err))
	}
	return message
}

func (s *Satellite) getRunValue(value func() string) cscp.Message {
	if s.fsm.State() != cscp.StateRun {
		return s.reply(cscp.KindInvalid, "satellite is not in state RUN")
	}
	s.mu.Lock()
	result := value()
	s.mu.Unlock()
	return s.reply(cscp.KindSuccess, result)
}

func (s *Satellite) initialize(request cscp.Message) cscp.Message {
	var config map[string]any
	if request.HasPayload() {
		decoded, err := request.DictionaryPayload()
		if err != nil {
			return s.reply(cscp.KindInvalid, fmt.Sprintf("invalid configuration payload: %v", err))
		}
		config = decoded
	}

	if reply, ok := s.react(TransitionInitialize, config); !ok {
		return reply
	}
	s.mu.Lock()
	s.config = config
	s.mu.Unlock()
	return s.reply(cscp.KindSuccess, "transition initialize initiated")
}

func (s *Satellite) reconfigure(request cscp.Message) cscp.Message {
	if !s.supportsReconfigure {
		return s.reply(cscp.KindNotImplemented, "reconfigure is not supported by this satellite")
	}
	partial := map[string]any{}
	if request.HasPayload() {
		decoded, err := request.DictionaryPayload()
		if err != nil {
			return s.reply(cscp.KindInvalid, fmt.Sprintf("invalid configuration payload: %v", err))
		}
		partial = decoded
	}

	if reply, ok := s.react(TransitionReconfigure, partial); !ok {
		return reply
	}
	s.mu.Lock()
	if s.config == nil {
		s.config = map[string]any{}
	}
	for key, value := range partial {
		s.config[key] = value
	}
	s.mu.Unlock()
	return s.reply(cscp.KindSuccess, "transition reconfigure initiated")
}

func (s *Satellite) start(request cscp.Message) cscp.Message {
	runID := uuid.NewString()
	if request.HasPayload() {
		decoded, err := request.StringPayload()
		if err != nil {
			return s.reply(cscp.KindInvalid, fmt.Sprintf("invalid run identifier payload: %v", err))
		}
		runID = decoded
	}

	if reply, ok := s.react(TransitionStart, runID); !ok {
		return reply
	}
	s.mu.Lock()
	s.runID = runID
	s.mu.Unlock()
	return s.reply(cscp.KindSuccess, "transition start initiated")
}

func (s *Satellite) transitionCommand(transition Transition, payload any) cscp.Message {
	if reply, ok := s.react(transition, payload); !ok {
		return reply
	}
	return s.reply(cscp.KindSuccess, fmt.Sprintf("transition %s initiated", transition))
}

// react applies an FSM transition and translates a rejection into an
// INVALID reply. The boolean reports acceptance.
func (s *Satellite) react(transition Transition, payload any) (cscp.Message, bool) {
	if err := s.fsm.React(transition, payload); err != nil {
		return s.reply(cscp.KindInvalid, err.Error()), false
	}
	return cscp.Message{}, true
}

func (s *Satellite) shutdown() cscp.Message {
	switch s.fsm.State() {
	case cscp.StateNew, cscp.StateInit, cscp.StateSafe, cscp.StateError:
	default:
		return s.reply(cscp.KindInvalid, fmt.Sprintf("shutdown not allowed from state %s", s.fsm.State()))
	}
	s.shutdownOnce.Do(func() { close(s.shutdownRequested) })
	return s.reply(cscp.KindSuccess, "shutting down")
}

func (s *Satellite) userCommand(request cscp.Message) cscp.Message {
	var args []string
	if request.HasPayload() {
		list, err := request.ListPayload()
		if err != nil {
			return s.reply(cscp.KindInvalid, fmt.Sprintf("invalid argument payload: %v", err))
		}
		args = make([]string, len(list))
		for i, value := range list {
			if text, ok := value.(string); ok {
				args[i] = text
			} else {
				args[i] = fmt.Sprint(value)
			}
		}
	}

	result, err := s.registry.Call(s.fsm.State(), request.Verb, args)
	if err != nil {
		var dispatchError *DispatchError
		if errors.As(err, &dispatchError) {
			return s.reply(dispatchError.Kind, dispatchError.Message)
		}
		return s.reply(cscp.KindError, err.Error())
	}

	message, encodeErr := s.reply(cscp.KindSuccess, result).WithPayload(result)
	if encodeErr != nil {
		return s.reply(cscp.KindError, fmt.Sprintf("encoding command result: %v", encodeErr))
	}
	return message
}
