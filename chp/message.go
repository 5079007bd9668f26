// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package chp

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/constellation-foundation/constellation/cscp"
	"github.com/constellation-foundation/constellation/lib/wire"
)

// ProtocolTag identifies CHP version 1 in the header frame.
const ProtocolTag = "CHP1"

// MaxLives is the number of heartbeats a remote may miss before it is
// declared dead.
const MaxLives = 3

// DefaultInterval is the heartbeat interval used when none is
// configured.
const DefaultInterval = time.Second

// MaximumInterval caps the interval a sender may advertise.
const MaximumInterval = 5 * time.Second

// Message is one heartbeat: the sender's name, its timestamp, its FSM
// state and the interval after which the next heartbeat is due.
type Message struct {
	Sender   string
	Time     time.Time
	State    cscp.State
	Interval time.Duration
}

// Frames assembles the heartbeat into its two-frame wire form: header
// frame and a body of state byte plus interval in milliseconds.
func (m Message) Frames() ([][]byte, error) {
	header, err := wire.Header{
		Tag:    ProtocolTag,
		Sender: m.Sender,
		Time:   m.Time,
	}.Encode()
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	encoder := msgpack.NewEncoder(&body)
	if err := encoder.EncodeUint8(uint8(m.State)); err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	if err := encoder.EncodeUint32(uint32(m.Interval.Milliseconds())); err != nil {
		return nil, fmt.Errorf("encoding interval: %w", err)
	}
	return [][]byte{header, body.Bytes()}, nil
}

// FromFrames parses a received heartbeat.
func FromFrames(frames [][]byte) (Message, error) {
	if len(frames) != 2 {
		return Message{}, fmt.Errorf("chp: message has %d frames, want 2", len(frames))
	}

	header, err := wire.DecodeHeader(frames[0], ProtocolTag)
	if err != nil {
		return Message{}, fmt.Errorf("chp: %w", err)
	}

	decoder := msgpack.NewDecoder(bytes.NewReader(frames[1]))
	stateByte, err := decoder.DecodeUint8()
	if err != nil {
		return Message{}, fmt.Errorf("chp: decoding state: %w", err)
	}
	state := cscp.State(stateByte)
	if !state.IsValid() {
		return Message{}, fmt.Errorf("chp: unknown state 0x%02X", stateByte)
	}
	intervalMilliseconds, err := decoder.DecodeUint32()
	if err != nil {
		return Message{}, fmt.Errorf("chp: decoding interval: %w", err)
	}

	return Message{
		Sender:   header.Sender,
		Time:     header.Time,
		State:    state,
		Interval: time.Duration(intervalMilliseconds) * time.Millisecond,
	}, nil
}
