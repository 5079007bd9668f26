// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

// Package chp implements the Constellation Heartbeat Protocol, the
// publish/subscribe liveness layer of a constellation. Every satellite
// runs a [Sender] publishing its state and next-interval hint; peers
// interested in liveness run a [Receiver] subscribed to the discovered
// heartbeat endpoints and a [Manager] that tracks lives per remote and
// raises an interrupt when a remote misses too many heartbeats or
// reports a failure state.
//
// An extrasystole is an immediate unscheduled heartbeat, emitted on
// every state transition so peers observe state changes promptly.
package chp
