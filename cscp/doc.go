// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

// Package cscp implements the Constellation Satellite Control Protocol,
// the request/reply command protocol between controllers and
// satellites. Messages travel as ZMQ multipart frames: a MessagePack
// header, a verb frame carrying the message kind and verb string, and
// an optional opaque payload frame whose schema is set by the verb.
//
// The package also defines the satellite [State] enumeration used by
// the command protocol, the heartbeat protocol and the finite state
// machine; its byte values are the canonical on-wire representation.
package cscp
