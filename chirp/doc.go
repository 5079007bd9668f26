// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

// Package chirp implements the Constellation Host Identification and
// Reconnaissance Protocol, the zero-configuration peer discovery layer
// of a constellation. Hosts broadcast 42-byte UDP beacons on a fixed
// port to announce the services they offer (control, heartbeat,
// monitoring, data endpoints) and to request announcements from peers.
//
// The [Beacon] owns the UDP socket, the set of locally registered
// services, and the cache of services discovered from remote hosts.
// Subsystems interested in a particular service register discovery
// callbacks and are notified on every OFFER and DEPART from hosts in
// the same group.
//
// Group and host identities travel as MD5 digests of their names, so
// beacons are fixed-size and group filtering is a byte comparison.
package chirp
