// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the canonical in-memory and wire representation
// of a bus message: an immutable envelope of headers and opaque content.
package message

import (
	"errors"

	"github.com/google/uuid"
)

// ErrMissingMessageID indicates a message without the required MessageId header.
var ErrMissingMessageID = errors.New("message has no MessageId header")

// Message is an envelope of headers and opaque content. Treat a message as
// immutable after construction; use Clone to derive a rewritten copy.
type Message struct {
	Headers *Headers
	Content []byte
}

// New creates a message with the given headers and content. Nil headers are
// replaced with an empty collection.
func New(headers *Headers, content []byte) *Message {
	if headers == nil {
		headers = NewHeaders()
	}
	return &Message{Headers: headers, Content: content}
}

// NewID returns a freshly generated globally unique message id.
func NewID() string {
	return uuid.New().String()
}

// Validate checks the envelope invariants.
func (m *Message) Validate() error {
	if m.Headers.MessageID() == "" {
		return ErrMissingMessageID
	}
	return nil
}

// ID returns the message id.
func (m *Message) ID() string {
	return m.Headers.MessageID()
}

// Clone returns a deep copy of the message. The copy shares nothing with
// the original, so fan-out rewrites cannot alias header state.
func (m *Message) Clone() *Message {
	content := make([]byte, len(m.Content))
	copy(content, m.Content)
	return &Message{
		Headers: m.Headers.Clone(),
		Content: content,
	}
}
