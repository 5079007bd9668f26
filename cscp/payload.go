// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package cscp

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// WithPayload attaches an encoded payload value to a copy of the
// message. The value must be nil (no payload), a dictionary
// (map[string]any), a list ([]any or []string), or a string. Any other
// type is rejected; payload schemas outside these shapes are set by
// the verb and attached as raw bytes via WithRawPayload.
func (m Message) WithPayload(value any) (Message, error) {
	switch v := value.(type) {
	case nil:
		m.Payload = nil
		return m, nil
	case map[string]any:
		return m.encodePayload(v)
	case []any:
		return m.encodePayload(v)
	case []string:
		return m.encodePayload(v)
	case string:
		return m.encodePayload(v)
	default:
		return Message{}, fmt.Errorf("cscp: unsupported payload type %T", value)
	}
}

// WithRawPayload attaches pre-encoded payload bytes to a copy of the
// message.
func (m Message) WithRawPayload(payload []byte) Message {
	m.Payload = payload
	return m
}

func (m Message) encodePayload(value any) (Message, error) {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return Message{}, fmt.Errorf("cscp: encoding payload: %w", err)
	}
	m.Payload = data
	return m, nil
}

// DictionaryPayload decodes the payload frame as a dictionary.
func (m Message) DictionaryPayload() (map[string]any, error) {
	if !m.HasPayload() {
		return nil, fmt.Errorf("cscp: message has no payload")
	}
	var dictionary map[string]any
	if err := msgpack.Unmarshal(m.Payload, &dictionary); err != nil {
		return nil, fmt.Errorf("cscp: decoding dictionary payload: %w", err)
	}
	return dictionary, nil
}

// ListPayload decodes the payload frame as a list.
func (m Message) ListPayload() ([]any, error) {
	if !m.HasPayload() {
		return nil, fmt.Errorf("cscp: message has no payload")
	}
	var list []any
	if err := msgpack.Unmarshal(m.Payload, &list); err != nil {
		return nil, fmt.Errorf("cscp: decoding list payload: %w", err)
	}
	return list, nil
}

// StringPayload decodes the payload frame as a single string.
func (m Message) StringPayload() (string, error) {
	if !m.HasPayload() {
		return "", fmt.Errorf("cscp: message has no payload")
	}
	var value string
	if err := msgpack.Unmarshal(m.Payload, &value); err != nil {
		return "", fmt.Errorf("cscp: decoding string payload: %w", err)
	}
	return value, nil
}
