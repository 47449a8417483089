// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the send/publish/subscribe protocol over
// HTTP: per-destination wire delivery, durable outbound queueing for
// critical messages, fan-out to topic subscribers, and the long-lived
// subscription renewal loop.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/absmach/platibus/events"
	"github.com/absmach/platibus/journal"
	"github.com/absmach/platibus/message"
	"github.com/absmach/platibus/queue"
	"github.com/absmach/platibus/subscriptions"
)

// OutboundQueueName is the distinguished queue where critical messages are
// durably parked pending delivery.
const OutboundQueueName = "Outbound"

// MessageHandler receives inbound messages routed off the wire. An error
// return means the message was not acknowledged.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *message.Message, principal string) error
}

// Metrics records transport counters. Satisfied by server/otel.Metrics.
type Metrics interface {
	TransportDelivered(ctx context.Context, destination string)
	TransportFailed(ctx context.Context, destination string, class string)
	SubscriptionRenewal(ctx context.Context, topic string)
}

// Config wires a transport.
type Config struct {
	// BaseURI is this bus instance's own endpoint URI.
	BaseURI string

	// Endpoints resolves named destinations and their credentials.
	Endpoints *EndpointRegistry

	// Queues hosts the outbound queue. Required.
	Queues *queue.Manager

	// Handler receives inbound messages. Required.
	Handler MessageHandler

	// Registry resolves topic subscribers for Publish. Required for
	// publishing.
	Registry *subscriptions.Registry

	// Journal records sent/received/published messages. Optional.
	Journal *journal.Journal

	// Sink receives diagnostic events. Optional.
	Sink events.Sink

	// Metrics records transport counters. Optional.
	Metrics Metrics

	// LocalBypass short-circuits delivery to this bus's own base URI,
	// invoking the handler directly instead of going over the wire.
	LocalBypass bool

	// OutboundOptions configure the outbound queue's retry policy.
	OutboundOptions queue.Options

	// Timeout bounds each wire delivery request.
	Timeout time.Duration

	// RetryInterval is the sleep after a transient subscription failure.
	// Defaults to 30 seconds.
	RetryInterval time.Duration

	Logger *slog.Logger
}

// Transport is the wire-level dispatch engine.
type Transport struct {
	baseURI   string
	endpoints *EndpointRegistry
	queues    *queue.Manager
	handler   MessageHandler
	registry  *subscriptions.Registry
	journal   *journal.Journal
	emitter   *events.Emitter
	metrics   Metrics
	logger    *slog.Logger
	pool      *clientPool

	localBypass   bool
	retryInterval time.Duration
	renewalFloor  time.Duration
}

// New creates a transport and its outbound queue.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.Queues == nil {
		return nil, fmt.Errorf("queue manager cannot be nil")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("message handler cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = NewEndpointRegistry(nil)
	}

	t := &Transport{
		baseURI:       normalizeURI(cfg.BaseURI),
		endpoints:     cfg.Endpoints,
		queues:        cfg.Queues,
		handler:       cfg.Handler,
		registry:      cfg.Registry,
		journal:       cfg.Journal,
		emitter:       events.NewEmitter("transport", cfg.Sink),
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		pool:          newClientPool(cfg.Timeout),
		localBypass:   cfg.LocalBypass,
		retryInterval: cfg.RetryInterval,
		renewalFloor:  renewalFloor,
	}

	opts := cfg.OutboundOptions
	opts.Durable = true
	if err := cfg.Queues.CreateQueue(ctx, OutboundQueueName, queue.ListenerFunc(t.outboundReceived), opts); err != nil {
		return nil, fmt.Errorf("create outbound queue: %w", err)
	}

	t.emitter.Emit(ctx, events.ComponentInitialized{Component: "transport"})
	return t, nil
}

// outboundReceived is the outbound queue's listener: it attempts wire
// delivery and acknowledges on success, leaving retry to the queue.
func (t *Transport) outboundReceived(ctx context.Context, msg *message.Message, qctx *queue.Context) error {
	if err := t.deliver(ctx, msg); err != nil {
		return err
	}
	qctx.Acknowledge()
	return nil
}

// Send delivers a message to its Destination header. Critical messages are
// parked on the outbound queue and delivered asynchronously with retry;
// others are delivered inline.
func (t *Transport) Send(ctx context.Context, msg *message.Message, principal string) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Headers.Destination() == "" {
		return &Error{Class: ClassInvalidRequest, Err: errors.New("message has no Destination header")}
	}

	if msg.Headers.Importance() == message.Critical {
		return t.queues.Enqueue(ctx, OutboundQueueName, msg, principal)
	}
	return t.deliver(ctx, msg)
}

// Publish fans the message out to every current subscriber of the topic.
// Each subscriber receives a clone with a fresh message id and its own URI
// as the destination. Per-subscriber failures do not cancel the rest; the
// aggregate is returned.
func (t *Transport) Publish(ctx context.Context, msg *message.Message, topic string, principal string) error {
	if t.registry == nil {
		return fmt.Errorf("no subscription registry configured")
	}
	subscribers := t.registry.GetSubscribers(topic)

	pub := msg.Clone()
	pub.Headers.SetTopic(topic)
	pub.Headers.SetPublished(time.Now().UTC())

	if t.journal != nil {
		if err := t.journal.Append(ctx, journal.CategoryPublished, pub); err != nil {
			t.logger.Error("journal_publish_failed", "topic", topic, "error", err)
		}
	}

	var errs []error
	for _, subscriber := range subscribers {
		out := pub.Clone()
		out.Headers.SetMessageID(message.NewID())
		out.Headers.SetDestination(subscriber)

		var err error
		if out.Headers.Importance() == message.Critical {
			err = t.queues.Enqueue(ctx, OutboundQueueName, out, principal)
		} else {
			err = t.deliver(ctx, out)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("subscriber %s: %w", subscriber, err))
		}
	}
	return errors.Join(errs...)
}

// HandleIncoming accepts a message arriving from a peer: it stamps and
// journals the receipt, then routes to the application handler. A message
// without an id or already expired fails with ClassInvalidRequest, which the
// host maps to HTTP 400; any other error means not acknowledged, which the
// host maps to HTTP 422.
func (t *Transport) HandleIncoming(ctx context.Context, msg *message.Message, principal string) error {
	if err := msg.Validate(); err != nil {
		return &Error{Class: ClassInvalidRequest, Err: err}
	}
	if msg.Headers.Expired(time.Now().UTC()) {
		return &Error{Class: ClassInvalidRequest, Err: fmt.Errorf("message %s expired", msg.ID())}
	}

	msg.Headers.SetReceived(time.Now().UTC())
	if t.journal != nil {
		if err := t.journal.Append(ctx, journal.CategoryReceived, msg); err != nil {
			t.logger.Error("journal_receive_failed", "message_id", msg.ID(), "error", err)
		}
	}
	return t.handler.HandleMessage(ctx, msg, principal)
}

// deliver performs wire delivery of one message to its destination.
func (t *Transport) deliver(ctx context.Context, msg *message.Message) error {
	dest := normalizeURI(msg.Headers.Destination())

	if msg.Headers.Sent().IsZero() {
		msg.Headers.SetSent(time.Now().UTC())
	}
	if t.journal != nil {
		if err := t.journal.Append(ctx, journal.CategorySent, msg); err != nil {
			t.logger.Error("journal_send_failed", "message_id", msg.ID(), "error", err)
		}
	}

	if t.localBypass && dest == t.baseURI {
		return t.HandleIncoming(ctx, msg.Clone(), "")
	}

	err := t.post(ctx, dest, msg)
	if err != nil {
		class := ClassTransportFailure
		status := 0
		var te *Error
		if errors.As(err, &te) {
			class, status = te.Class, te.Status
		}
		t.emitter.Emit(ctx, events.MessageDeliveryFailed{
			MessageID:   msg.ID(),
			Destination: dest,
			HTTPStatus:  status,
			Error:       err.Error(),
		})
		if class == ClassTransportFailure || class == ClassNameResolutionFailed || class == ClassConnectionRefused {
			t.emitter.Emit(ctx, events.TransportFailure{
				MessageID:   msg.ID(),
				Destination: dest,
				Class:       string(class),
				Error:       err.Error(),
			})
		}
		if t.metrics != nil {
			t.metrics.TransportFailed(ctx, dest, string(class))
		}
		return err
	}

	t.emitter.Emit(ctx, events.MessageDelivered{MessageID: msg.ID(), Destination: dest})
	if t.metrics != nil {
		t.metrics.TransportDelivered(ctx, dest)
	}
	return nil
}

// post POSTs the message to {destination}/message/{id}, carrying each
// message header as an HTTP header and the content as the body.
func (t *Transport) post(ctx context.Context, dest string, msg *message.Message) error {
	target := dest + "/message/" + url.PathEscape(msg.ID())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(msg.Content))
	if err != nil {
		return &Error{Class: ClassInvalidRequest, Destination: dest, Err: err}
	}

	msg.Headers.Each(func(name, value string) {
		req.Header.Set(name, sanitizeHeaderValue(value))
	})
	if ct := msg.Headers.ContentType(); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	var creds *Credentials
	if ep, ok := t.endpoints.ByURI(dest); ok {
		creds = ep.Credentials
	}

	resp, err := t.pool.do(dest, creds, req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &Error{Class: classifyStatus(resp.StatusCode), Destination: dest, Status: resp.StatusCode}
}

// sanitizeHeaderValue folds multi-line header values for HTTP transport;
// the receiving host restores nothing, so multi-line values should only
// travel via the durable stores.
func sanitizeHeaderValue(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	return strings.Join(strings.Fields(strings.ReplaceAll(v, "\n", " ")), " ")
}
