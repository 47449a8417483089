// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the diagnostic events emitted by the bus
// components and the sink interface they are delivered through.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeComponentInitialized   = "component.initialized"
	TypeMessageEnqueued        = "message.enqueued"
	TypeMessageDelivered       = "message.delivered"
	TypeMessageDeliveryFailed  = "message.delivery_failed"
	TypeMessageAcknowledged    = "message.acknowledged"
	TypeMessageNotAcknowledged = "message.not_acknowledged"
	TypeDeadLetter             = "message.dead_letter"
	TypeSubscriptionRenewed    = "subscription.renewed"
	TypeSubscriptionFailed     = "subscription.failed"
	TypeEndpointNotFound       = "endpoint.not_found"
	TypeTransportFailure       = "transport.failure"
)

// Event is the common interface for all diagnostic events.
type Event interface {
	// Type returns the event type identifier (e.g., "message.enqueued")
	Type() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(source string) *Envelope
}

// Envelope is the common wrapper for all diagnostic events. Source names
// the component that raised the event.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Data      any    `json:"data"`
}

func wrap(e Event, source string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    source,
		Data:      e,
	}
}

// ComponentInitialized is emitted when a bus component finishes startup.
type ComponentInitialized struct {
	Component string `json:"component"`
}

func (e ComponentInitialized) Type() string                 { return TypeComponentInitialized }
func (e ComponentInitialized) Wrap(source string) *Envelope { return wrap(e, source) }

// MessageEnqueued is emitted when a message is durably accepted by a queue.
type MessageEnqueued struct {
	MessageID string `json:"message_id"`
	Queue     string `json:"queue"`
}

func (e MessageEnqueued) Type() string                 { return TypeMessageEnqueued }
func (e MessageEnqueued) Wrap(source string) *Envelope { return wrap(e, source) }

// MessageDelivered is emitted after a successful wire delivery.
type MessageDelivered struct {
	MessageID   string `json:"message_id"`
	Destination string `json:"destination"`
}

func (e MessageDelivered) Type() string                 { return TypeMessageDelivered }
func (e MessageDelivered) Wrap(source string) *Envelope { return wrap(e, source) }

// MessageDeliveryFailed is emitted when a wire delivery attempt fails.
type MessageDeliveryFailed struct {
	MessageID   string `json:"message_id"`
	Destination string `json:"destination"`
	HTTPStatus  int    `json:"http_status,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (e MessageDeliveryFailed) Type() string                 { return TypeMessageDeliveryFailed }
func (e MessageDeliveryFailed) Wrap(source string) *Envelope { return wrap(e, source) }

// MessageAcknowledged is emitted when a listener acknowledges a queued message.
type MessageAcknowledged struct {
	MessageID string `json:"message_id"`
	Queue     string `json:"queue"`
	Attempts  int    `json:"attempts"`
}

func (e MessageAcknowledged) Type() string                 { return TypeMessageAcknowledged }
func (e MessageAcknowledged) Wrap(source string) *Envelope { return wrap(e, source) }

// MessageNotAcknowledged is emitted when a dispatch attempt ends without
// acknowledgement and the message remains eligible for retry.
type MessageNotAcknowledged struct {
	MessageID string `json:"message_id"`
	Queue     string `json:"queue"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

func (e MessageNotAcknowledged) Type() string                 { return TypeMessageNotAcknowledged }
func (e MessageNotAcknowledged) Wrap(source string) *Envelope { return wrap(e, source) }

// DeadLetter is emitted exactly once when a message is marked abandoned:
// it exhausted its attempts or expired before dispatch.
type DeadLetter struct {
	MessageID string `json:"message_id"`
	Queue     string `json:"queue"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

func (e DeadLetter) Type() string                 { return TypeDeadLetter }
func (e DeadLetter) Wrap(source string) *Envelope { return wrap(e, source) }

// SubscriptionRenewed is emitted after a successful subscription request.
type SubscriptionRenewed struct {
	Topic    string `json:"topic"`
	Endpoint string `json:"endpoint"`
}

func (e SubscriptionRenewed) Type() string                 { return TypeSubscriptionRenewed }
func (e SubscriptionRenewed) Wrap(source string) *Envelope { return wrap(e, source) }

// SubscriptionFailed is emitted when a subscription loop terminates on a
// fatal failure.
type SubscriptionFailed struct {
	Topic    string `json:"topic"`
	Endpoint string `json:"endpoint"`
	Error    string `json:"error,omitempty"`
}

func (e SubscriptionFailed) Type() string                 { return TypeSubscriptionFailed }
func (e SubscriptionFailed) Wrap(source string) *Envelope { return wrap(e, source) }

// EndpointNotFound is emitted when a named endpoint cannot be resolved.
type EndpointNotFound struct {
	Endpoint string `json:"endpoint"`
}

func (e EndpointNotFound) Type() string                 { return TypeEndpointNotFound }
func (e EndpointNotFound) Wrap(source string) *Envelope { return wrap(e, source) }

// TransportFailure is emitted when wire delivery fails below the HTTP
// semantic layer. Class carries the failure classification.
type TransportFailure struct {
	MessageID   string `json:"message_id,omitempty"`
	Destination string `json:"destination,omitempty"`
	Class       string `json:"class"`
	Error       string `json:"error,omitempty"`
}

func (e TransportFailure) Type() string                 { return TypeTransportFailure }
func (e TransportFailure) Wrap(source string) *Envelope { return wrap(e, source) }
