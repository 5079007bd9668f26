// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

// Package satellite implements the controllable node of a
// constellation: the finite state machine driving a satellite through
// its lifecycle, the registry of user-defined commands, and the
// [Satellite] itself, which serves CSCP requests, announces its
// endpoints over CHIRP and publishes its state over CHP.
//
// User code supplies an [Implementation] with the transition callbacks
// (initializing, launching, running, ...) and registers extra commands
// on the satellite's [Registry]. Dispatch, state gating, heartbeats
// and discovery are handled here.
package satellite
