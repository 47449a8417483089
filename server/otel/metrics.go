// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the bus's OpenTelemetry instruments. It satisfies the
// queue and transport metrics interfaces.
type Metrics struct {
	meter metric.Meter

	messagesEnqueued     metric.Int64Counter
	messagesAcked        metric.Int64Counter
	messagesDeadLettered metric.Int64Counter
	messagesDelivered    metric.Int64Counter
	deliveryFailures     metric.Int64Counter
	subscriptionRenewals metric.Int64Counter
}

// NewMetrics creates a Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("platibus"),
	}

	var err error

	m.messagesEnqueued, err = m.meter.Int64Counter(
		"bus.queue.enqueued.total",
		metric.WithDescription("Total messages accepted by a queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enqueued counter: %w", err)
	}

	m.messagesAcked, err = m.meter.Int64Counter(
		"bus.queue.acknowledged.total",
		metric.WithDescription("Total queued messages acknowledged by a listener"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acknowledged counter: %w", err)
	}

	m.messagesDeadLettered, err = m.meter.Int64Counter(
		"bus.queue.dead_lettered.total",
		metric.WithDescription("Total queued messages abandoned (attempts exhausted or expired)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dead-letter counter: %w", err)
	}

	m.messagesDelivered, err = m.meter.Int64Counter(
		"bus.transport.delivered.total",
		metric.WithDescription("Total messages delivered over the wire"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivered counter: %w", err)
	}

	m.deliveryFailures, err = m.meter.Int64Counter(
		"bus.transport.failures.total",
		metric.WithDescription("Total wire delivery failures by class"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}

	m.subscriptionRenewals, err = m.meter.Int64Counter(
		"bus.subscription.renewals.total",
		metric.WithDescription("Total successful subscription registrations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create renewal counter: %w", err)
	}

	return m, nil
}

// QueueEnqueued records a message accepted by a queue.
func (m *Metrics) QueueEnqueued(ctx context.Context, queue string) {
	m.messagesEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// QueueAcknowledged records a listener acknowledgement.
func (m *Metrics) QueueAcknowledged(ctx context.Context, queue string) {
	m.messagesAcked.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// QueueDeadLettered records an abandoned message.
func (m *Metrics) QueueDeadLettered(ctx context.Context, queue string) {
	m.messagesDeadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// TransportDelivered records a successful wire delivery.
func (m *Metrics) TransportDelivered(ctx context.Context, destination string) {
	m.messagesDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", destination)))
}

// TransportFailed records a classified wire delivery failure.
func (m *Metrics) TransportFailed(ctx context.Context, destination string, class string) {
	m.deliveryFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("destination", destination),
		attribute.String("class", class),
	))
}

// SubscriptionRenewal records a successful subscription registration.
func (m *Metrics) SubscriptionRenewal(ctx context.Context, topic string) {
	m.subscriptionRenewals.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
