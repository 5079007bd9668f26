// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package satellite

import (
	"context"

	"github.com/constellation-foundation/constellation/cscp"
)

// Implementation supplies the user callbacks executed during FSM
// transitions. Each transitional callback runs on a worker goroutine;
// the context is cancelled when the satellite shuts down, and for
// Running additionally when a stop or interrupt is requested.
//
// Returning an error from any callback routes the FSM through the
// failure path into ERROR, with OnFailure receiving the steady state
// the machine was in before the failing transition.
type Implementation interface {
	// Initializing applies the configuration dictionary. Runs on
	// every initialize, including re-initialization from INIT, SAFE
	// or ERROR.
	Initializing(ctx context.Context, config map[string]any) error

	// Launching prepares the satellite for data taking (INIT→ORBIT).
	Launching(ctx context.Context) error

	// Landing releases what Launching acquired (ORBIT→INIT).
	Landing(ctx context.Context) error

	// Reconfiguring applies a partial configuration in ORBIT. Only
	// invoked when the implementation was registered with reconfigure
	// support.
	Reconfiguring(ctx context.Context, partial map[string]any) error

	// Starting begins a run with the given identifier (ORBIT→RUN).
	Starting(ctx context.Context, runID string) error

	// Running is the data-taking loop. It must return promptly once
	// ctx is cancelled; a nil return after cancellation is the normal
	// end of a run.
	Running(ctx context.Context) error

	// Stopping ends the run after Running has returned (RUN→ORBIT).
	Stopping(ctx context.Context) error

	// Interrupting runs at the end of the interrupt sequence, after
	// the machine has already stopped a running run and landed. Most
	// implementations need no extra work here.
	Interrupting(ctx context.Context, previous cscp.State) error

	// OnFailure is notified after the machine entered ERROR, with the
	// steady state it failed out of. Cleanup only; errors cannot be
	// reported from here.
	OnFailure(previous cscp.State)
}

// DefaultImplementation is a no-op Implementation to embed in user
// satellites that only need a subset of the callbacks.
type DefaultImplementation struct{}

func (DefaultImplementation) Initializing(ctx context.Context, config map[string]any) error {
	return nil
}

func (DefaultImplementation) Launching(ctx context.Context) error { return nil }

func (DefaultImplementation) Landing(ctx context.Context) error { return nil }

func (DefaultImplementation) Reconfiguring(ctx context.Context, partial map[string]any) error {
	return nil
}

func (DefaultImplementation) Starting(ctx context.Context, runID string) error { return nil }

func (DefaultImplementation) Running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (DefaultImplementation) Stopping(ctx context.Context) error { return nil }

func (DefaultImplementation) Interrupting(ctx context.Context, previous cscp.State) error {
	return nil
}

func (DefaultImplementation) OnFailure(previous cscp.State) {}
