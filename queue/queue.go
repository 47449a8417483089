// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the durable message queue engine: per-queue FIFO
// selection with at-least-once dispatch to a listener, bounded concurrent
// processing, retry with delay on non-acknowledgement, dead-lettering on
// attempt exhaustion, and crash-safe recovery of pending rows.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/platibus/events"
	"github.com/absmach/platibus/message"
	"github.com/absmach/platibus/queue/storage"
	"github.com/absmach/platibus/security"
)

var (
	// ErrQueueFull indicates a saturated bounded handoff buffer.
	ErrQueueFull = errors.New("queue handoff buffer is full")

	// ErrQueueClosed indicates an enqueue after Close.
	ErrQueueClosed = errors.New("queue is closed")
)

// Metrics records queue counters. Satisfied by server/otel.Metrics.
type Metrics interface {
	QueueEnqueued(ctx context.Context, queue string)
	QueueAcknowledged(ctx context.Context, queue string)
	QueueDeadLettered(ctx context.Context, queue string)
}

// Queue dispatches persisted rows to a listener with bounded concurrency.
type Queue struct {
	name     string
	listener Listener
	opts     Options
	store    storage.Store
	tokens   security.TokenService
	emitter  *events.Emitter
	metrics  Metrics
	logger   *slog.Logger

	ch       chan *storage.QueuedMessage
	inflight inflightSet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// newQueue wires a queue without starting dispatch; the manager calls start.
func newQueue(name string, listener Listener, opts Options, store storage.Store, tokens security.TokenService, sink events.Sink, metrics Metrics, logger *slog.Logger) *Queue {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:     name,
		listener: listener,
		opts:     opts,
		store:    store,
		tokens:   tokens,
		emitter:  events.NewEmitter("queue:"+name, sink),
		metrics:  metrics,
		logger:   logger.With("queue", name),
		ch:       make(chan *storage.QueuedMessage, opts.bufferSize()),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// start initializes backing storage, recovers pending rows, and launches
// the dispatch workers.
func (q *Queue) start(ctx context.Context) error {
	if err := q.store.EnsureQueue(ctx, q.name); err != nil {
		return fmt.Errorf("initialize queue %s: %w", q.name, err)
	}

	pending, err := q.store.ListPending(ctx, q.name)
	if err != nil {
		return fmt.Errorf("recover queue %s: %w", q.name, err)
	}

	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	if len(pending) > 0 {
		q.logger.Info("queue_recovery", "pending", len(pending))
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for _, row := range pending {
				select {
				case q.ch <- row:
				case <-q.ctx.Done():
					return
				}
			}
		}()
	}

	q.emitter.Emit(ctx, events.ComponentInitialized{Component: "queue:" + q.name})
	return nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue persists the message with the captured principal and hands it to
// the dispatch workers. The message's SecurityToken header is replaced with
// a freshly issued token carrying the principal and expiring no later than
// the message itself.
func (q *Queue) Enqueue(ctx context.Context, msg *message.Message, principal string) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	stored := msg.Clone()
	if q.tokens != nil {
		tok, err := q.tokens.Issue(principal, stored.Headers.Expires())
		if err != nil {
			return fmt.Errorf("issue security token: %w", err)
		}
		stored.Headers.SetSecurityToken(tok)
	}

	row := &storage.QueuedMessage{
		Message:   stored,
		Principal: principal,
		Enqueued:  time.Now().UTC(),
	}
	if err := q.store.Insert(ctx, q.name, row); err != nil {
		return err
	}

	if q.opts.bounded() {
		select {
		case q.ch <- row:
		default:
			// Roll the row back so a QueueFull enqueue leaves no trace.
			if err := q.store.Acknowledge(ctx, q.name, row.Message.ID()); err != nil {
				q.logger.Error("queue_full_rollback_failed", "message_id", row.Message.ID(), "error", err)
			}
			return ErrQueueFull
		}
	} else {
		select {
		case q.ch <- row:
		case <-ctx.Done():
			return ctx.Err()
		case <-q.ctx.Done():
			return ErrQueueClosed
		}
	}

	q.emitter.Emit(ctx, events.MessageEnqueued{MessageID: row.Message.ID(), Queue: q.name})
	if q.metrics != nil {
		q.metrics.QueueEnqueued(ctx, q.name)
	}
	return nil
}

// Close stops dispatch. In-flight listener invocations receive the
// cancellation signal; pending rows are left pending for the next start.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case row := <-q.ch:
			q.process(row)
		}
	}
}

// process drives one row to a terminal state or until cancellation. The
// worker keeps the row between retry attempts, so a row is never held by
// two workers at once; the in-flight set guards against a recovery push
// racing a live row.
func (q *Queue) process(row *storage.QueuedMessage) {
	id := row.Message.ID()
	if !q.inflight.add(id) {
		return
	}
	defer q.inflight.remove(id)

	ctx := q.ctx
	for {
		if q.expired(row) {
			q.abandon(ctx, row, "message expired before dispatch")
			return
		}

		row.Attempts++
		var attemptErr error
		if err := q.store.Update(ctx, q.name, row); err != nil {
			q.logger.Error("queue_attempt_persist_failed", "message_id", id, "error", err)
			attemptErr = err
		} else {
			attemptErr = q.attempt(ctx, row)
			if attemptErr == nil {
				return
			}
		}

		if row.Attempts >= q.opts.MaxAttempts {
			q.abandon(ctx, row, attemptErr.Error())
			return
		}

		q.emitter.Emit(ctx, events.MessageNotAcknowledged{
			MessageID: id,
			Queue:     q.name,
			Attempts:  row.Attempts,
			Error:     attemptErr.Error(),
		})

		select {
		case <-time.After(q.opts.RetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

// attempt invokes the listener once. A nil return means the row reached a
// terminal acknowledged state; any error means not acknowledged.
func (q *Queue) attempt(ctx context.Context, row *storage.QueuedMessage) error {
	id := row.Message.ID()
	qctx := &Context{
		principal: q.reconstitutePrincipal(row),
		attempts:  row.Attempts,
	}

	err := q.invoke(ctx, row.Message, qctx)
	acked := qctx.Acknowledged() || (q.opts.AutoAcknowledge && err == nil)
	if !acked {
		if err == nil {
			err = errors.New("listener did not acknowledge")
		}
		return err
	}

	if err := q.store.Acknowledge(ctx, q.name, id); err != nil {
		q.logger.Error("queue_ack_persist_failed", "message_id", id, "error", err)
		return err
	}

	q.emitter.Emit(ctx, events.MessageAcknowledged{MessageID: id, Queue: q.name, Attempts: row.Attempts})
	if q.metrics != nil {
		q.metrics.QueueAcknowledged(ctx, q.name)
	}
	return nil
}

// invoke calls the listener, converting panics into errors so a misbehaving
// listener cannot kill the worker.
func (q *Queue) invoke(ctx context.Context, msg *message.Message, qctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return q.listener.MessageReceived(ctx, msg, qctx)
}

// reconstitutePrincipal validates the row's security token; a missing or
// invalid token falls back to the principal captured at enqueue time.
func (q *Queue) reconstitutePrincipal(row *storage.QueuedMessage) string {
	tok := row.Message.Headers.SecurityToken()
	if q.tokens == nil || tok == "" {
		return row.Principal
	}
	principal, err := q.tokens.Validate(tok)
	if err != nil {
		q.logger.Warn("queue_token_validation_failed", "message_id", row.Message.ID(), "error", err)
		return row.Principal
	}
	return principal
}

// expired reports whether the row must not be dispatched: its message
// expiry has passed, or the queue TTL has elapsed since enqueue.
func (q *Queue) expired(row *storage.QueuedMessage) bool {
	now := time.Now().UTC()
	if row.Message.Headers.Expired(now) {
		return true
	}
	return q.opts.TTL > 0 && now.Sub(row.Enqueued) > q.opts.TTL
}

func (q *Queue) abandon(ctx context.Context, row *storage.QueuedMessage, reason string) {
	id := row.Message.ID()
	if err := q.store.Abandon(ctx, q.name, id, time.Now().UTC()); err != nil {
		q.logger.Error("queue_abandon_persist_failed", "message_id", id, "error", err)
	}
	q.emitter.Emit(ctx, events.DeadLetter{
		MessageID: id,
		Queue:     q.name,
		Attempts:  row.Attempts,
		Error:     reason,
	})
	if q.metrics != nil {
		q.metrics.QueueDeadLettered(ctx, q.name)
	}
	q.logger.Warn("queue_dead_letter", "message_id", id, "attempts", row.Attempts, "reason", reason)
}

// inflightSet tracks row ids currently held by a worker.
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// add inserts the id, reporting false if another worker already holds it.
func (s *inflightSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
	if _, held := s.ids[id]; held {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inflightSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}
