// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"sync/atomic"

	"github.com/absmach/platibus/message"
)

// Listener consumes messages dispatched from a queue. MessageReceived is
// invoked outside any storage transaction; the context carries the dispatch
// cancellation signal. A listener acknowledges by calling qctx.Acknowledge
// (or by returning nil when the queue auto-acknowledges). Errors and panics
// count as non-acknowledgement and never terminate the dispatch worker.
type Listener interface {
	MessageReceived(ctx context.Context, msg *message.Message, qctx *Context) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, msg *message.Message, qctx *Context) error

// MessageReceived implements Listener.
func (f ListenerFunc) MessageReceived(ctx context.Context, msg *message.Message, qctx *Context) error {
	return f(ctx, msg, qctx)
}

// Context carries the per-attempt dispatch state handed to a listener.
type Context struct {
	principal string
	attempts  int
	acked     atomic.Bool
}

// Acknowledge asserts the listener has durably absorbed the message.
// The queue may then delete the row.
func (c *Context) Acknowledge() {
	c.acked.Store(true)
}

// Acknowledged reports whether Acknowledge was called.
func (c *Context) Acknowledged() bool {
	return c.acked.Load()
}

// Principal returns the identity captured when the message was enqueued.
func (c *Context) Principal() string {
	return c.principal
}

// Attempts returns the dispatch attempt number, starting at 1.
func (c *Context) Attempts() int {
	return c.attempts
}
