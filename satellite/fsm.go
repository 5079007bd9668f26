// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package satellite

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/constellation-foundation/constellation/cscp"
)

// Transition names an FSM input. Command transitions arrive from
// controllers; completion transitions are issued internally when a
// transitional callback returns.
type Transition uint8

const (
	TransitionInitialize Transition = iota + 1
	TransitionInitialized
	TransitionLaunch
	TransitionLaunched
	TransitionLand
	TransitionLanded
	TransitionReconfigure
	TransitionReconfigured
	TransitionStart
	TransitionStarted
	TransitionStop
	TransitionStopped
	TransitionInterrupt
	TransitionInterrupted
)

var transitionNames = map[Transition]string{
	TransitionInitialize:   "initialize",
	TransitionInitialized:  "initialized",
	TransitionLaunch:       "launch",
	TransitionLaunched:     "launched",
	TransitionLand:         "land",
	TransitionLanded:       "landed",
	TransitionReconfigure:  "reconfigure",
	TransitionReconfigured: "reconfigured",
	TransitionStart:        "start",
	TransitionStarted:      "started",
	TransitionStop:         "stop",
	TransitionStopped:      "stopped",
	TransitionInterrupt:    "interrupt",
	TransitionInterrupted:  "interrupted",
}

func (t Transition) String() string {
	if name, known := transitionNames[t]; known {
		return name
	}
	return fmt.Sprintf("Transition(%d)", uint8(t))
}

// transitions is the full state diagram. A lookup miss means the
// transition is not allowed in the current state; in particular no
// command transition appears in any transient row, so commands
// arriving while a transitional callback runs are rejected.
var transitions = map[cscp.State]map[Transition]cscp.State{
	cscp.StateNew: {
		TransitionInitialize: cscp.StateInitializing,
	},
	cscp.StateInitializing: {
		TransitionInitialized: cscp.StateInit,
	},
	cscp.StateInit: {
		TransitionInitialize: cscp.StateInitializing,
		TransitionLaunch:     cscp.StateLaunching,
	},
	cscp.StateLaunching: {
		TransitionLaunched: cscp.StateOrbit,
	},
	cscp.StateOrbit: {
		TransitionLand:        cscp.StateLanding,
		TransitionReconfigure: cscp.StateReconfiguring,
		TransitionStart:       cscp.StateStarting,
		TransitionInterrupt:   cscp.StateInterrupting,
	},
	cscp.StateLanding: {
		TransitionLanded: cscp.StateInit,
	},
	cscp.StateReconfiguring: {
		TransitionReconfigured: cscp.StateOrbit,
	},
	cscp.StateStarting: {
		TransitionStarted: cscp.StateRun,
	},
	cscp.StateRun: {
		TransitionStop:      cscp.StateStopping,
		TransitionInterrupt: cscp.StateInterrupting,
	},
	cscp.StateStopping: {
		TransitionStopped: cscp.StateOrbit,
	},
	cscp.StateInterrupting: {
		TransitionInterrupted: cscp.StateSafe,
	},
	cscp.StateSafe: {
		TransitionInitialize: cscp.StateInitializing,
	},
	cscp.StateError: {
		TransitionInitialize: cscp.StateInitializing,
	},
}

// completions maps each transient state to the transition issued when
// its callback returns successfully.
var completions = map[cscp.State]Transition{
	cscp.StateInitializing:  TransitionInitialized,
	cscp.StateLaunching:     TransitionLaunched,
	cscp.StateLanding:       TransitionLanded,
	cscp.StateReconfiguring: TransitionReconfigured,
	cscp.StateStarting:      TransitionStarted,
	cscp.StateStopping:      TransitionStopped,
	cscp.StateInterrupting:  TransitionInterrupted,
}

// TransitionError reports a transition that is not allowed in the
// current state. Dispatchers reply INVALID for it.
type TransitionError struct {
	From       cscp.State
	Transition Transition
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s not allowed from state %s", e.Transition, e.From)
}

// FSMOptions configures an FSM.
type FSMOptions struct {
	// StateChanged is invoked after every state change, on the
	// goroutine that performed the transition. The satellite wires
	// this to the heartbeat extrasystole.
	StateChanged func(cscp.State)

	// Logger for transition records. Nil selects slog.Default().
	Logger *slog.Logger
}

// FSM is the satellite finite state machine. Transitions are driven
// by React; transitional callbacks run on worker goroutines and issue
// their completion transitions when done. The current state is
// readable lock-free via State.
type FSM struct {
	impl         Implementation
	stateChanged func(cscp.State)
	logger       *slog.Logger

	// ctx is cancelled on Close and parents every callback context.
	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Uint32

	mu sync.Mutex
	// previousSteady is the last steady state before the current
	// transient; reported to OnFailure and Interrupting.
	previousSteady cscp.State
	runCancel      context.CancelFunc
	runDone        chan struct{}

	workers sync.WaitGroup
}

// NewFSM creates a state machine in NEW driving the given
// implementation.
func NewFSM(impl Implementation, options FSMOptions) *FSM {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stateChanged := options.StateChanged
	if stateChanged == nil {
		stateChanged = func(cscp.State) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	machine := &FSM{
		impl:           impl,
		stateChanged:   stateChanged,
		logger:         logger.With("component", "fsm"),
		ctx:            ctx,
		cancel:         cancel,
		previousSteady: cscp.StateNew,
	}
	machine.state.Store(uint32(cscp.StateNew))
	return machine
}

// State returns the current state. Never returns a transient after
// the transitional callback has completed.
func (f *FSM) State() cscp.State {
	return cscp.State(f.state.Load())
}

// React applies a transition. The payload carries the configuration
// dictionary for initialize and reconfigure and the run identifier
// string for start; it is ignored otherwise. Returns a
// *TransitionError when the transition is not allowed in the current
// state.
func (f *FSM) React(transition Transition, payload any) error {
	f.mu.Lock()
	current := f.State()
	target, allowed := transitions[current][transition]
	if !allowed {
		f.mu.Unlock()
		return &TransitionError{From: current, Transition: transition}
	}

	if current.IsSteady() {
		f.previousSteady = current
	}
	previous := f.previousSteady
	f.setStateLocked(target, transition)

	if target.IsSteady() {
		if target == cscp.StateRun {
			f.startRunningLocked()
		}
		f.mu.Unlock()
		f.stateChanged(target)
		return nil
	}

	f.workers.Add(1)
	go f.runTransitional(target, previous, payload)
	f.mu.Unlock()
	f.stateChanged(target)
	return nil
}

// Close cancels any active callback contexts and waits for the
// workers to return. The machine must not be used afterwards.
func (f *FSM) Close() {
	f.cancel()
	f.workers.Wait()
}

func (f *FSM) setStateLocked(target cscp.State, transition Transition) {
	f.logger.Debug("state change", "from", f.State().String(), "to", target.String(), "transition", transition.String())
	f.state.Store(uint32(target))
}

// startRunningLocked launches the running worker with its own
// cancellation; stop and interrupt cancel it and await completion
// before advancing.
func (f *FSM) startRunningLocked() {
	runCtx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	f.runCancel = cancel
	f.runDone = done

	f.workers.Add(1)
	go func() {
		defer f.workers.Done()
		defer close(done)
		err := f.impl.Running(runCtx)
		if err != nil && runCtx.Err() == nil {
			f.fail(fmt.Errorf("running: %w", err))
		}
	}()
}

// stopRunning cancels the running worker, if any, and waits for it.
func (f *FSM) stopRunning() {
	f.mu.Lock()
	cancel, done := f.runCancel, f.runDone
	f.runCancel, f.runDone = nil, nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// runTransitional executes the callback for a transient state and
// issues its completion transition. A callback error routes through
// the failure path into ERROR.
func (f *FSM) runTransitional(transient, previous cscp.State, payload any) {
	defer f.workers.Done()

	if err := f.invokeTransitional(transient, previous, payload); err != nil {
		f.fail(fmt.Errorf("%s: %w", transient, err))
		return
	}
	if err := f.React(completions[transient], nil); err != nil {
		// The machine moved elsewhere (failure during the callback);
		// the completion is obsolete.
		f.logger.Debug("completion transition dropped", "transient", transient.String(), "error", err)
	}
}

func (f *FSM) invokeTransitional(transient, previous cscp.State, payload any) error {
	switch transient {
	case cscp.StateInitializing:
		config, _ := payload.(map[string]any)
		return f.impl.Initializing(f.ctx, config)
	case cscp.StateLaunching:
		return f.impl.Launching(f.ctx)
	case cscp.StateLanding:
		return f.impl.Landing(f.ctx)
	case cscp.StateReconfiguring:
		partial, _ := payload.(map[string]any)
		return f.impl.Reconfiguring(f.ctx, partial)
	case cscp.StateStarting:
		runID, _ := payload.(string)
		return f.impl.Starting(f.ctx, runID)
	case cscp.StateStopping:
		f.stopRunning()
		return f.impl.Stopping(f.ctx)
	case cscp.StateInterrupting:
		// Interrupt from RUN implies stopping, then landing, before
		// entering SAFE.
		if previous == cscp.StateRun {
			f.stopRunning()
			if err := f.impl.Stopping(f.ctx); err != nil {
				return err
			}
		}
		if err := f.impl.Landing(f.ctx); err != nil {
			return err
		}
		return f.impl.Interrupting(f.ctx, previous)
	}
	return fmt.Errorf("no callback for state %s", transient)
}

// fail moves the machine to ERROR and notifies the implementation
// with the steady state it failed out of.
func (f *FSM) fail(err error) {
	f.mu.Lock()
	current := f.State()
	if current == cscp.StateError {
		f.mu.Unlock()
		return
	}
	previous := f.previousSteady
	if current.IsSteady() {
		previous = current
	}
	f.logger.Warn("entering ERROR state", "previous", previous.String(), "error", err)
	f.state.Store(uint32(cscp.StateError))
	f.mu.Unlock()

	f.stateChanged(cscp.StateError)
	f.impl.OnFailure(previous)
}

// Fail moves the machine to ERROR from any state. Exposed for the
// satellite to report failures outside transition callbacks.
func (f *FSM) Fail(err error) { f.fail(err) }
