// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/platibus/events"
	"github.com/absmach/platibus/message"
	"github.com/absmach/platibus/queue/storage"
	"github.com/absmach/platibus/security"
)

// Config holds the collaborators shared by all queues.
type Config struct {
	// Store is the durable row store. Required.
	Store storage.Store

	// MemoryStore backs queues created with Durable: false. Optional;
	// when nil, non-durable queues fall back to Store.
	MemoryStore storage.Store

	// Tokens issues and validates principal security tokens. Optional.
	Tokens security.TokenService

	// Sink receives diagnostic events. Optional.
	Sink events.Sink

	// Metrics records queue counters. Optional.
	Metrics Metrics

	Logger *slog.Logger
}

// Manager owns every queue in the process.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	queues map[string]*Queue
	mu     sync.RWMutex
}

// NewManager creates a queue manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("queue store cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		queues: make(map[string]*Queue),
	}, nil
}

// CreateQueue initializes the named queue, recovers its pending rows, and
// starts dispatching to the listener. Creating an existing queue is a no-op.
func (m *Manager) CreateQueue(ctx context.Context, name string, listener Listener, opts Options) error {
	if name == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	if listener == nil {
		return fmt.Errorf("queue listener cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.queues[name]; exists {
		return nil
	}

	store := m.cfg.Store
	if !opts.Durable && m.cfg.MemoryStore != nil {
		store = m.cfg.MemoryStore
	}

	q := newQueue(name, listener, opts, store, m.cfg.Tokens, m.cfg.Sink, m.cfg.Metrics, m.logger)
	if err := q.start(ctx); err != nil {
		q.Close()
		return err
	}
	m.queues[name] = q
	m.logger.Info("queue_created", "queue", name, "durable", opts.Durable)
	return nil
}

// Enqueue hands a message to the named queue.
func (m *Manager) Enqueue(ctx context.Context, name string, msg *message.Message, principal string) error {
	q, exists := m.Get(name)
	if !exists {
		return storage.ErrQueueNotFound
	}
	return q.Enqueue(ctx, msg, principal)
}

// Get returns the named queue.
func (m *Manager) Get(name string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, exists := m.queues[name]
	return q, exists
}

// Close stops dispatch on every queue and waits for in-flight attempts.
func (m *Manager) Close() {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.queues = make(map[string]*Queue)
	m.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
}
