// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package chp

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/constellation-foundation/constellation/cscp"
	"github.com/constellation-foundation/constellation/lib/clock"
)

// watchdogTimeout caps how long the watchdog sleeps between checks,
// regardless of the advertised heartbeat intervals.
const watchdogTimeout = 3 * time.Second

// maxSkew is the tolerated difference between a heartbeat's timestamp
// and local reception time before a clock-skew warning is logged.
const maxSkew = 3 * time.Second

// InterruptCallback is invoked when a remote is declared dead or
// reports a failure state. It fires at most once per remote between
// successive successful heartbeats.
type InterruptCallback func(reason string)

// Remote is the liveness record for one observed heartbeat sender.
// Created on first heartbeat; once Lives reaches zero it is never
// replenished until a heartbeat with a healthy state arrives.
type Remote struct {
	Interval      time.Duration
	LastHeartbeat time.Time
	LastState     cscp.State
	LastChecked   time.Time
	Lives         int
}

// ManagerOptions configures a heartbeat Manager.
type ManagerOptions struct {
	// SenderOptions configures the embedded heartbeat sender.
	SenderOptions SenderOptions

	// Clock for liveness deadlines. Nil selects clock.Real().
	Clock clock.Clock

	// Logger for liveness records. Nil selects slog.Default().
	Logger *slog.Logger
}

// Manager combines a heartbeat sender, a receiver and a watchdog: it
// publishes the local state, tracks the liveness of every subscribed
// remote, and raises the interrupt callback when a remote misses
// MaxLives heartbeats or reports ERROR or SAFE.
type Manager struct {
	sender    *Sender
	receiver  *Receiver
	interrupt InterruptCallback
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	remotes map[string]*Remote

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a manager publishing heartbeats under the given
// sender name. The state query feeds outgoing heartbeats; the
// interrupt callback receives liveness failures of remotes. Neither
// callback may be nil.
func NewManager(name string, state StateQuery, interrupt InterruptCallback, options ManagerOptions) (*Manager, error) {
	if state == nil {
		return nil, fmt.Errorf("chp: state query must not be nil")
	}
	if interrupt == nil {
		return nil, fmt.Errorf("chp: interrupt callback must not be nil")
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	senderOptions := options.SenderOptions
	if senderOptions.Clock == nil {
		senderOptions.Clock = clk
	}
	if senderOptions.Logger == nil {
		senderOptions.Logger = logger
	}
	sender, err := NewSender(name, state, senderOptions)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		sender:    sender,
		interrupt: interrupt,
		clock:     clk,
		logger:    logger.With("component", "chp.manager"),
		remotes:   make(map[string]*Remote),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	manager.receiver = NewReceiver(manager.processHeartbeat, logger)

	go manager.watchdog()
	return manager, nil
}

// Port returns the ephemeral port of the embedded heartbeat publisher.
func (m *Manager) Port() uint16 { return m.sender.Port() }

// Extrasystole publishes an immediate heartbeat.
func (m *Manager) Extrasystole() { m.sender.Extrasystole() }

// Connect subscribes to a remote heartbeat publisher.
func (m *Manager) Connect(endpoint string) error { return m.receiver.Connect(endpoint) }

// Disconnect drops the subscription for the given endpoint.
func (m *Manager) Disconnect(endpoint string) { m.receiver.Disconnect(endpoint) }

// RemoteState returns the last state reported by the named remote.
func (m *Manager) RemoteState(name string) (cscp.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	remote, known := m.remotes[name]
	if !known {
		return 0, false
	}
	return remote.LastState, true
}

// Remotes returns a snapshot of the liveness records.
func (m *Manager) Remotes() map[string]Remote {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(map[string]Remote, len(m.remotes))
	for name, remote := range m.remotes {
		snapshot[name] = *remote
	}
	return snapshot
}

// Close stops the watchdog, drops all subscriptions and closes the
// sender.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
		m.receiver.Close()
		m.sender.Close()
	})
	return nil
}

// processHeartbeat updates the liveness record for the sending remote.
// Lives are replenished on every heartbeat with a state other than
// ERROR or SAFE.
func (m *Manager) processHeartbeat(message Message) {
	now := m.clock.Now()

	m.mu.Lock()
	remote, known := m.remotes[message.Sender]
	if !known {
		m.remotes[message.Sender] = &Remote{
			Interval:      message.Interval,
			LastHeartbeat: now,
			LastState:     message.State,
			LastChecked:   now,
			Lives:         MaxLives,
		}
	} else {
		if skew := now.Sub(message.Time); skew > maxSkew || skew < -maxSkew {
			m.logger.Warn("clock skew detected", "remote", message.Sender, "skew", skew)
		}
		remote.Interval = message.Interval
		remote.LastHeartbeat = now
		remote.LastState = message.State
		if message.State != cscp.StateError && message.State != cscp.StateSafe {
			remote.Lives = MaxLives
		}
	}
	m.mu.Unlock()

	m.logger.Debug("heartbeat received", "remote", message.Sender, "state", message.State.String(), "interval", message.Interval)
	m.notify()
}

// notify wakes the watchdog after a remote was added or updated.
func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// watchdog sleeps until the earliest expected heartbeat (capped at
// watchdogTimeout) or a notification, then checks every remote.
func (m *Manager) watchdog() {
	defer close(m.done)
	for {
		wait := m.checkRemotes()
		select {
		case <-m.clock.After(wait):
		case <-m.wake:
		case <-m.stop:
			return
		}
	}
}

// checkRemotes applies the liveness policy to every remote and returns
// the duration until the next expected heartbeat, capped at
// watchdogTimeout. Interrupt callbacks are invoked with the manager
// mutex released.
func (m *Manager) checkRemotes() time.Duration {
	var interrupts []string

	m.mu.Lock()
	now := m.clock.Now()
	wait := watchdogTimeout
	for name, remote := range m.remotes {
		// A remote reporting ERROR or SAFE is a fatal interrupt; the
		// zeroed lives make this fire exactly once.
		if remote.Lives > 0 && (remote.LastState == cscp.StateError || remote.LastState == cscp.StateSafe) {
			remote.Lives = 0
			interrupts = append(interrupts, fmt.Sprintf("%s reports state %s", name, remote.LastState))
		}

		// Subtract at most one life per interval past the last
		// heartbeat; LastChecked separates misses so interrupt latency
		// is bounded by MaxLives intervals.
		if remote.Lives > 0 && now.Sub(remote.LastHeartbeat) > remote.Interval && now.Sub(remote.LastChecked) > remote.Interval {
			remote.Lives--
			remote.LastChecked = now
			m.logger.Debug("missed heartbeat", "remote", name, "lives", remote.Lives)
			if remote.Lives == 0 {
				interrupts = append(interrupts, "No signs of life detected anymore from "+name)
			}
		}

		if next := remote.LastHeartbeat.Add(remote.Interval); next.After(now) {
			if until := next.Sub(now); until < wait {
				wait = until
			}
		}
	}
	m.mu.Unlock()

	for _, reason := range interrupts {
		m.logger.Debug("interrupting", "reason", reason)
		m.interrupt(reason)
	}
	return wait
}
