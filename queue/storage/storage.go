// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the durable row store backing the queue engine.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/platibus/message"
)

var (
	ErrQueueNotFound   = errors.New("queue not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrMessageExists   = errors.New("message already queued")
)

// QueuedMessage is one row of a queue: the message, the principal captured
// at enqueue time, and the delivery state. A row with a zero Abandoned
// timestamp is pending; acknowledged rows are deleted rather than marked.
type QueuedMessage struct {
	Message   *message.Message
	Principal string
	Attempts  int
	Sequence  uint64
	Enqueued  time.Time
	Abandoned time.Time
}

// Pending reports whether the row is still eligible for dispatch.
func (qm *QueuedMessage) Pending() bool {
	return qm.Abandoned.IsZero()
}

// Store persists queue rows. Each queue exclusively owns its row set; rows
// are keyed by (queue, message id) and ordered by a per-queue monotonic
// sequence assigned on insert.
type Store interface {
	// EnsureQueue initializes backing storage for the queue. Idempotent.
	EnsureQueue(ctx context.Context, queue string) error

	// Insert persists a new row, assigning qm.Sequence. Inserting a
	// message id already present in the queue fails with ErrMessageExists.
	Insert(ctx context.Context, queue string, qm *QueuedMessage) error

	// Update persists the row's current attempt counter.
	Update(ctx context.Context, queue string, qm *QueuedMessage) error

	// Acknowledge deletes the row. Terminal.
	Acknowledge(ctx context.Context, queue, messageID string) error

	// Abandon marks the row abandoned at the given instant. The row is
	// retained for forensic reads. Terminal.
	Abandon(ctx context.Context, queue, messageID string, at time.Time) error

	// Get returns the row for the message id, pending or abandoned.
	Get(ctx context.Context, queue, messageID string) (*QueuedMessage, error)

	// ListPending returns all pending rows in insertion order.
	ListPending(ctx context.Context, queue string) ([]*QueuedMessage, error)

	// Close releases the backing store.
	Close() error
}
