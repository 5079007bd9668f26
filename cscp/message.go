// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package cscp

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/constellation-foundation/constellation/lib/wire"
)

// ProtocolTag identifies CSCP version 1 in the header frame.
const ProtocolTag = "CSCP1"

// Kind classifies a CSCP message. A request always has KindRequest;
// replies carry one of the response kinds.
type Kind uint8

const (
	// KindRequest is a command sent by a controller.
	KindRequest Kind = 0
	// KindSuccess acknowledges a completed command.
	KindSuccess Kind = 1
	// KindNotImplemented rejects a command the satellite does not
	// support.
	KindNotImplemented Kind = 2
	// KindIncomplete rejects a command with missing or surplus
	// arguments.
	KindIncomplete Kind = 3
	// KindInvalid rejects a command that is not allowed in the current
	// state or carries malformed arguments.
	KindInvalid Kind = 4
	// KindUnknown rejects a command that is not registered.
	KindUnknown Kind = 5
	// KindError reports a transport or internal failure.
	KindError Kind = 6
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindSuccess:
		return "SUCCESS"
	case KindNotImplemented:
		return "NOTIMPLEMENTED"
	case KindIncomplete:
		return "INCOMPLETE"
	case KindInvalid:
		return "INVALID"
	case KindUnknown:
		return "UNKNOWN"
	case KindError:
		return "ERROR"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Message is one CSCP request or reply. Payload holds the raw encoded
// payload frame; use the typed payload helpers to read and write it.
type Message struct {
	Sender  string
	Time    time.Time
	Tags    map[string]any
	Kind    Kind
	Verb    string
	Payload []byte
}

// New builds a message stamped with the current time.
func New(sender string, kind Kind, verb string) Message {
	return Message{
		Sender: sender,
		Time:   time.Now().UTC(),
		Kind:   kind,
		Verb:   verb,
	}
}

// NewRequest builds a request message stamped with the current time.
func NewRequest(sender, verb string) Message {
	return New(sender, KindRequest, verb)
}

// HasPayload reports whether the message carries a payload frame.
func (m Message) HasPayload() bool { return len(m.Payload) > 0 }

// Frames assembles the message into its multipart wire form: header
// frame, verb frame, and the payload frame when present.
func (m Message) Frames() ([][]byte, error) {
	header, err := wire.Header{
		Tag:    ProtocolTag,
		Sender: m.Sender,
		Time:   m.Time,
		Tags:   m.Tags,
	}.Encode()
	if err != nil {
		return nil, err
	}

	var verbFrame bytes.Buffer
	encoder := msgpack.NewEncoder(&verbFrame)
	if err := encoder.EncodeUint8(uint8(m.Kind)); err != nil {
		return nil, fmt.Errorf("encoding message kind: %w", err)
	}
	if err := encoder.EncodeString(m.Verb); err != nil {
		return nil, fmt.Errorf("encoding verb: %w", err)
	}

	frames := [][]byte{header, verbFrame.Bytes()}
	if m.HasPayload() {
		frames = append(frames, m.Payload)
	}
	return frames, nil
}

// FromFrames parses a received multipart message. A message with a
// mismatched protocol tag, an unknown kind, or a frame count outside
// 2..3 is rejected.
func FromFrames(frames [][]byte) (Message, error) {
	if len(frames) < 2 || len(frames) > 3 {
		return Message{}, fmt.Errorf("cscp: message has %d frames, want 2 or 3", len(frames))
	}

	header, err := wire.DecodeHeader(frames[0], ProtocolTag)
	if err != nil {
		return Message{}, fmt.Errorf("cscp: %w", err)
	}

	decoder := msgpack.NewDecoder(bytes.NewReader(frames[1]))
	kindByte, err := decoder.DecodeUint8()
	if err != nil {
		return Message{}, fmt.Errorf("cscp: decoding message kind: %w", err)
	}
	if kindByte > uint8(KindError) {
		return Message{}, fmt.Errorf("cscp: unknown message kind %d", kindByte)
	}
	verb, err := decoder.DecodeString()
	if err != nil {
		return Message{}, fmt.Errorf("cscp: decoding verb: %w", err)
	}

	message := Message{
		Sender: header.Sender,
		Time:   header.Time,
		Tags:   header.Tags,
		Kind:   Kind(kindByte),
		Verb:   verb,
	}
	if len(frames) == 3 {
		message.Payload = frames[2]
	}
	return message, nil
}
