// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bus is the in-process facade of the message bus: handler
// registration, send/publish/subscribe, and reply correlation on top of
// the queue engine and the transport.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/platibus/message"
	"github.com/absmach/platibus/queue"
	"github.com/absmach/platibus/transport"
)

// ErrNoHandler indicates an inbound message no registered handler accepts.
var ErrNoHandler = errors.New("no handler registered for message")

// ErrNoDestination indicates a send that no rule or header could route.
var ErrNoDestination = errors.New("no destination for message")

// HandlerQueueName is the queue inbound messages pass through when handler
// queueing is enabled.
const HandlerQueueName = "Handlers"

// Handler consumes inbound application messages. An error return means
// the message was not acknowledged.
type Handler interface {
	Handle(ctx context.Context, msg *message.Message, principal string) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *message.Message, principal string) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg *message.Message, principal string) error {
	return f(ctx, msg, principal)
}

// SendRule routes messages whose MessageName starts with Prefix to the
// named endpoints. A "*" prefix matches every message.
type SendRule struct {
	Prefix    string
	Endpoints []string
}

// Config wires a bus.
type Config struct {
	// BaseURI is this instance's own endpoint URI, used as Origination
	// and ReplyTo on outgoing messages.
	BaseURI string

	// Transport performs wire delivery. Required.
	Transport *transport.Transport

	// Endpoints resolves send rule targets.
	Endpoints *transport.EndpointRegistry

	// SendRules route sends that carry no Destination header.
	SendRules []SendRule

	// Queues hosts the handler queue. Required when HandlerQueue is set.
	Queues *queue.Manager

	// HandlerQueue, when non-nil, runs inbound messages through a durable
	// queue before the handlers, so a crash between receipt and handling
	// cannot lose them.
	HandlerQueue *queue.Options

	// ReplyTimeout bounds SentMessage.Reply. Defaults to 30 seconds.
	ReplyTimeout time.Duration

	Logger *slog.Logger
}

// Bus is the application-facing facade.
type Bus struct {
	baseURI   string
	transport *transport.Transport
	endpoints *transport.EndpointRegistry
	sendRules []SendRule
	logger    *slog.Logger

	replyTimeout time.Duration

	mu             sync.RWMutex
	handlers       map[string]Handler
	defaultHandler Handler

	repliesMu sync.Mutex
	replies   map[string]chan *message.Message

	queued bool
	queues *queue.Manager
}

// New creates a bus over the given transport.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 30 * time.Second
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = transport.NewEndpointRegistry(nil)
	}

	b := &Bus{
		baseURI:      strings.TrimRight(cfg.BaseURI, "/"),
		transport:    cfg.Transport,
		endpoints:    cfg.Endpoints,
		sendRules:    cfg.SendRules,
		logger:       cfg.Logger,
		replyTimeout: cfg.ReplyTimeout,
		handlers:     make(map[string]Handler),
		replies:      make(map[string]chan *message.Message),
		queues:       cfg.Queues,
	}

	if cfg.HandlerQueue != nil {
		if cfg.Queues == nil {
			return nil, fmt.Errorf("handler queueing requires a queue manager")
		}
		if err := cfg.Queues.CreateQueue(ctx, HandlerQueueName, queue.ListenerFunc(b.handleQueued), *cfg.HandlerQueue); err != nil {
			return nil, fmt.Errorf("create handler queue: %w", err)
		}
		b.queued = true
	}
	return b, nil
}

// Register binds a handler to an exact MessageName.
func (b *Bus) Register(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = h
}

// RegisterDefault binds the handler invoked when no name matches.
func (b *Bus) RegisterDefault(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defaultHandler = h
}

// SentMessage tracks an outgoing message for reply correlation.
type SentMessage struct {
	id  string
	bus *Bus
	ch  chan *message.Message
}

// ID returns the sent message's id.
func (s *SentMessage) ID() string { return s.id }

// Reply waits for a message correlated to this send via RelatedTo.
func (s *SentMessage) Reply(ctx context.Context) (*message.Message, error) {
	timer := time.NewTimer(s.bus.replyTimeout)
	defer timer.Stop()
	defer s.bus.dropReplyWaiter(s.id)

	select {
	case reply := <-s.ch:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for reply to %s", s.id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send stamps and dispatches a message. A Destination header wins; without
// one the send rules route by MessageName, fanning out to every matching
// endpoint. The returned SentMessage can await a correlated reply. When the
// rules fan out to several endpoints, each copy carries a fresh message id
// and replies to those copies do not reach the SentMessage.
func (b *Bus) Send(ctx context.Context, msg *message.Message, principal string) (*SentMessage, error) {
	out := msg.Clone()
	b.stamp(out)

	sent := b.newReplyWaiter(out.ID())

	if out.Headers.Destination() != "" {
		if err := b.transport.Send(ctx, out, principal); err != nil {
			b.dropReplyWaiter(out.ID())
			return nil, err
		}
		return sent, nil
	}

	destinations := b.resolveDestinations(out.Headers.MessageName())
	if len(destinations) == 0 {
		b.dropReplyWaiter(out.ID())
		return nil, fmt.Errorf("%w: %s", ErrNoDestination, out.Headers.MessageName())
	}

	var errs []error
	for _, dest := range destinations {
		per := out.Clone()
		per.Headers.SetDestination(dest)
		if len(destinations) > 1 {
			per.Headers.SetMessageID(message.NewID())
		}
		if err := b.transport.Send(ctx, per, principal); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %s: %w", dest, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		b.dropReplyWaiter(out.ID())
		return nil, err
	}
	return sent, nil
}

// Publish fans the message out to the topic's current subscribers.
func (b *Bus) Publish(ctx context.Context, msg *message.Message, topic string, principal string) error {
	out := msg.Clone()
	b.stamp(out)
	return b.transport.Publish(ctx, out, topic, principal)
}

// SendReply correlates a reply to the inbound message and sends it back to
// the originator's ReplyTo (falling back to Origination).
func (b *Bus) SendReply(ctx context.Context, inbound *message.Message, reply *message.Message, principal string) error {
	dest := inbound.Headers.ReplyTo()
	if dest == "" {
		dest = inbound.Headers.Origination()
	}
	if dest == "" {
		return fmt.Errorf("%w: inbound message %s has no return address", ErrNoDestination, inbound.ID())
	}

	out := reply.Clone()
	b.stamp(out)
	out.Headers.SetRelatedTo(inbound.ID())
	out.Headers.SetDestination(dest)
	return b.transport.Send(ctx, out, principal)
}

// Subscribe keeps this bus registered on the publisher's topic until the
// context is cancelled.
func (b *Bus) Subscribe(ctx context.Context, endpointName, topic string, ttl time.Duration) error {
	return b.transport.Subscribe(ctx, endpointName, topic, ttl)
}

// HandleMessage implements transport.MessageHandler: inbound messages are
// matched against reply waiters, then routed to handlers, through the
// handler queue when configured.
func (b *Bus) HandleMessage(ctx context.Context, msg *message.Message, principal string) error {
	if related := msg.Headers.RelatedTo(); related != "" {
		if b.completeReply(related, msg) {
			return nil
		}
	}

	if b.queued {
		return b.queues.Enqueue(ctx, HandlerQueueName, msg, principal)
	}
	return b.dispatch(ctx, msg, principal)
}

// handleQueued is the handler queue's listener.
func (b *Bus) handleQueued(ctx context.Context, msg *message.Message, qctx *queue.Context) error {
	if err := b.dispatch(ctx, msg, qctx.Principal()); err != nil {
		return err
	}
	qctx.Acknowledge()
	return nil
}

func (b *Bus) dispatch(ctx context.Context, msg *message.Message, principal string) error {
	name := msg.Headers.MessageName()

	b.mu.RLock()
	h, ok := b.handlers[name]
	if !ok {
		h = b.defaultHandler
	}
	b.mu.RUnlock()

	if h == nil {
		b.logger.Warn("unhandled_message", "message_name", name, "message_id", msg.ID())
		return fmt.Errorf("%w: %s", ErrNoHandler, name)
	}
	return h.Handle(ctx, msg, principal)
}

// stamp fills the envelope fields the application leaves open.
func (b *Bus) stamp(msg *message.Message) {
	if msg.Headers.MessageID() == "" {
		msg.Headers.SetMessageID(message.NewID())
	}
	if msg.Headers.Origination() == "" && b.baseURI != "" {
		msg.Headers.SetOrigination(b.baseURI)
	}
	if msg.Headers.ReplyTo() == "" && b.baseURI != "" {
		msg.Headers.SetReplyTo(b.baseURI)
	}
}

// resolveDestinations maps a message name to endpoint base URIs via the
// send rules, first match wins.
func (b *Bus) resolveDestinations(name string) []string {
	for _, rule := range b.sendRules {
		if rule.Prefix != "*" && !strings.HasPrefix(name, rule.Prefix) {
			continue
		}
		var out []string
		for _, epName := range rule.Endpoints {
			if ep, ok := b.endpoints.Get(epName); ok {
				out = append(out, ep.BaseURI)
			} else {
				b.logger.Warn("send_rule_unknown_endpoint", "endpoint", epName, "prefix", rule.Prefix)
			}
		}
		return out
	}
	return nil
}

func (b *Bus) newReplyWaiter(id string) *SentMessage {
	ch := make(chan *message.Message, 1)
	b.repliesMu.Lock()
	b.replies[id] = ch
	b.repliesMu.Unlock()
	return &SentMessage{id: id, bus: b, ch: ch}
}

func (b *Bus) dropReplyWaiter(id string) {
	b.repliesMu.Lock()
	delete(b.replies, id)
	b.repliesMu.Unlock()
}

// completeReply hands the message to a waiting sender, reporting whether
// one existed. Unclaimed replies flow to the ordinary handlers.
func (b *Bus) completeReply(related string, msg *message.Message) bool {
	b.repliesMu.Lock()
	ch, ok := b.replies[related]
	if ok {
		delete(b.replies, related)
	}
	b.repliesMu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}
