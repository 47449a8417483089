// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory journal store for tests and
// development.
package memory

import (
	"context"
	"sync"

	"github.com/absmach/platibus/journal"
)

// Store implements journal.Store using an in-memory slice.
type Store struct {
	entries []*journal.Entry
	seq     uint64
	mu      sync.RWMutex
}

var _ journal.Store = (*Store)(nil)

// New creates a new in-memory journal store.
func New() *Store {
	return &Store{}
}

func (s *Store) Append(ctx context.Context, e *journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e.Position = journal.Position(s.seq)
	cp := *e
	cp.Message = e.Message.Clone()
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *Store) Scan(ctx context.Context, start journal.Position, fn func(*journal.Entry) (bool, error)) error {
	s.mu.RLock()
	snapshot := make([]*journal.Entry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.RUnlock()

	for _, e := range snapshot {
		if e.Position < start {
			continue
		}
		cp := *e
		cp.Message = e.Message.Clone()
		cont, err := fn(&cp)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (s *Store) First(ctx context.Context) (journal.Position, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return 0, false, nil
	}
	return s.entries[0].Position, true, nil
}

func (s *Store) Close() error {
	return nil
}
