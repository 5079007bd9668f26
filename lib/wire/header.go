// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the MessagePack header frame shared by the
// CSCP command protocol and the CHP heartbeat protocol. A header is
// the four-element sequence [protocol_tag, sender, timestamp, tags];
// only the tag differs between protocols.
package wire

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Header is the first frame of every CSCP and CHP message.
type Header struct {
	// Tag is the protocol identifier ("CSCP1" or "CHP1"). A decoded
	// header with an unexpected tag is rejected.
	Tag string

	// Sender is the canonical name of the sending host.
	Sender string

	// Time is the sender's timestamp at assembly.
	Time time.Time

	// Tags carries optional message metadata. Nil encodes as an empty
	// map.
	Tags map[string]any
}

// Encode serializes the header as a MessagePack array of four values.
func (h Header) Encode() ([]byte, error) {
	var buffer bytes.Buffer
	encoder := msgpack.NewEncoder(&buffer)

	if err := encoder.EncodeArrayLen(4); err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}
	if err := encoder.EncodeString(h.Tag); err != nil {
		return nil, fmt.Errorf("encoding protocol tag: %w", err)
	}
	if err := encoder.EncodeString(h.Sender); err != nil {
		return nil, fmt.Errorf("encoding sender: %w", err)
	}
	if err := encoder.EncodeTime(h.Time); err != nil {
		return nil, fmt.Errorf("encoding timestamp: %w", err)
	}
	tags := h.Tags
	if tags == nil {
		tags = map[string]any{}
	}
	if err := encoder.Encode(tags); err != nil {
		return nil, fmt.Errorf("encoding tags: %w", err)
	}
	return buffer.Bytes(), nil
}

// DecodeHeader parses a header frame and verifies its protocol tag.
func DecodeHeader(data []byte, wantTag string) (Header, error) {
	decoder := msgpack.NewDecoder(bytes.NewReader(data))

	length, err := decoder.DecodeArrayLen()
	if err != nil {
		return Header{}, fmt.Errorf("decoding header: %w", err)
	}
	if length != 4 {
		return Header{}, fmt.Errorf("header has %d elements, want 4", length)
	}

	var header Header
	if header.Tag, err = decoder.DecodeString(); err != nil {
		return Header{}, fmt.Errorf("decoding protocol tag: %w", err)
	}
	if header.Tag != wantTag {
		return Header{}, fmt.Errorf("protocol tag is %q, want %q", header.Tag, wantTag)
	}
	if header.Sender, err = decoder.DecodeString(); err != nil {
		return Header{}, fmt.Errorf("decoding sender: %w", err)
	}
	if header.Time, err = decoder.DecodeTime(); err != nil {
		return Header{}, fmt.Errorf("decoding timestamp: %w", err)
	}
	if header.Tags, err = decoder.DecodeMap(); err != nil {
		return Header{}, fmt.Errorf("decoding tags: %w", err)
	}
	return header, nil
}
