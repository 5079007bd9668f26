// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package chp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/constellation-foundation/constellation/cscp"
	"github.com/constellation-foundation/constellation/lib/clock"
	"github.com/constellation-foundation/constellation/lib/netutil"
)

// StateQuery returns the current FSM state of the local satellite.
// Injected into the sender so the heartbeat layer never owns the FSM.
type StateQuery func() cscp.State

// SenderOptions configures a heartbeat Sender beyond its name and
// state query.
type SenderOptions struct {
	// Interval between scheduled heartbeats. Zero selects
	// DefaultInterval; values above MaximumInterval are capped.
	Interval time.Duration

	// Clock for heartbeat scheduling. Nil selects clock.Real().
	Clock clock.Clock

	// Logger for lifecycle records. Nil selects slog.Default().
	Logger *slog.Logger
}

// Sender publishes heartbeats on an ephemeral PUB socket at a regular
// interval, plus an immediate extrasystole whenever requested.
type Sender struct {
	name   string
	state  StateQuery
	clock  clock.Clock
	logger *slog.Logger
	socket zmq4.Socket
	port   uint16
	cancel context.CancelFunc

	// interval is read by the loop and the message assembly; updated
	// through UpdateInterval.
	interval atomic.Int64

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSender binds a PUB socket on an ephemeral port and starts the
// heartbeat loop. The first heartbeat is published immediately.
func NewSender(name string, state StateQuery, options SenderOptions) (*Sender, error) {
	interval := options.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval > MaximumInterval {
		interval = MaximumInterval
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	socket := zmq4.NewPub(ctx)
	if err := socket.Listen("tcp://0.0.0.0:0"); err != nil {
		cancel()
		return nil, fmt.Errorf("binding heartbeat publisher: %w", err)
	}
	port, err := netutil.EphemeralPort(socket.Addr())
	if err != nil {
		socket.Close()
		cancel()
		return nil, fmt.Errorf("resolving heartbeat port: %w", err)
	}

	sender := &Sender{
		name:   name,
		state:  state,
		clock:  clk,
		logger: logger.With("component", "chp.sender"),
		socket: socket,
		port:   port,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	sender.interval.Store(int64(interval))

	go sender.loop()
	sender.logger.Debug("heartbeat sender started", "name", name, "port", port, "interval", interval)
	return sender, nil
}

// Port returns the ephemeral port the PUB socket is bound to.
func (s *Sender) Port() uint16 { return s.port }

// Interval returns the currently advertised heartbeat interval.
func (s *Sender) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// UpdateInterval changes the heartbeat interval. Values above
// MaximumInterval are capped. Takes effect after the next heartbeat.
func (s *Sender) UpdateInterval(interval time.Duration) {
	if interval > MaximumInterval {
		interval = MaximumInterval
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.interval.Store(int64(interval))
}

// Extrasystole requests an immediate unscheduled heartbeat. Called on
// every FSM state transition so peers observe the change promptly.
func (s *Sender) Extrasystole() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops the heartbeat loop and closes the PUB socket.
func (s *Sender) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.socket.Close()
		s.cancel()
	})
	return nil
}

func (s *Sender) loop() {
	defer close(s.done)
	for {
		s.publish()
		select {
		case <-s.clock.After(s.Interval()):
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}

func (s *Sender) publish() {
	message := Message{
		Sender:   s.name,
		Time:     s.clock.Now().UTC(),
		State:    s.state(),
		Interval: s.Interval(),
	}
	frames, err := message.Frames()
	if err != nil {
		s.logger.Warn("heartbeat assembly failed", "error", err)
		return
	}
	if err := s.socket.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		s.logger.Debug("heartbeat send failed", "error", err)
		return
	}
	s.logger.Debug("heartbeat published", "state", message.State.String(), "interval", message.Interval)
}
