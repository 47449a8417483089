// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory queue store, used for tests and for
// queues configured as non-durable.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/absmach/platibus/queue/storage"
)

// Store implements storage.Store using in-memory maps.
type Store struct {
	rows      map[string]map[string]*storage.QueuedMessage // queue -> messageID -> row
	sequences map[string]uint64                            // queue -> next sequence
	mu        sync.RWMutex
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory queue store.
func New() *Store {
	return &Store{
		rows:      make(map[string]map[string]*storage.QueuedMessage),
		sequences: make(map[string]uint64),
	}
}

func (s *Store) EnsureQueue(ctx context.Context, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows[queue]; !exists {
		s.rows[queue] = make(map[string]*storage.QueuedMessage)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, queue string, qm *storage.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, exists := s.rows[queue]
	if !exists {
		return storage.ErrQueueNotFound
	}
	id := qm.Message.ID()
	if _, exists := rows[id]; exists {
		return storage.ErrMessageExists
	}

	s.sequences[queue]++
	qm.Sequence = s.sequences[queue]

	cp := *qm
	cp.Message = qm.Message.Clone()
	rows[id] = &cp
	return nil
}

func (s *Store) Update(ctx context.Context, queue string, qm *storage.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.row(queue, qm.Message.ID())
	if err != nil {
		return err
	}
	row.Attempts = qm.Attempts
	return nil
}

func (s *Store) Acknowledge(ctx context.Context, queue, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.row(queue, messageID); err != nil {
		return err
	}
	delete(s.rows[queue], messageID)
	return nil
}

func (s *Store) Abandon(ctx context.Context, queue, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.row(queue, messageID)
	if err != nil {
		return err
	}
	row.Abandoned = at
	return nil
}

func (s *Store) Get(ctx context.Context, queue, messageID string) (*storage.QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, err := s.row(queue, messageID)
	if err != nil {
		return nil, err
	}
	cp := *row
	cp.Message = row.Message.Clone()
	return &cp, nil
}

func (s *Store) ListPending(ctx context.Context, queue string) ([]*storage.QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, exists := s.rows[queue]
	if !exists {
		return nil, storage.ErrQueueNotFound
	}

	pending := make([]*storage.QueuedMessage, 0, len(rows))
	for _, row := range rows {
		if !row.Pending() {
			continue
		}
		cp := *row
		cp.Message = row.Message.Clone()
		pending = append(pending, &cp)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Sequence < pending[j].Sequence
	})
	return pending, nil
}

func (s *Store) Close() error {
	return nil
}

// row returns the live row; callers hold s.mu.
func (s *Store) row(queue, messageID string) (*storage.QueuedMessage, error) {
	rows, exists := s.rows[queue]
	if !exists {
		return nil, storage.ErrQueueNotFound
	}
	row, exists := rows[messageID]
	if !exists {
		return nil, storage.ErrMessageNotFound
	}
	return row, nil
}
