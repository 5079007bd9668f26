// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller implements the orchestrator side of a
// constellation. A [Controller] discovers satellites over CHIRP,
// opens a CSCP request channel to each, subscribes to their
// heartbeats, and exposes single and fan-out command dispatch plus
// aggregate state queries. A watchdog drops connections whose
// heartbeats have stopped.
//
// The [Configuration] type parses the TOML constellation
// configuration and assembles the per-satellite dictionaries sent
// with the initialize command.
package controller
