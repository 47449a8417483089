// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory subscription store for tests and
// development.
package memory

import (
	"context"
	"sync"

	"github.com/absmach/platibus/subscriptions"
)

// Store implements subscriptions.Store using an in-memory map.
type Store struct {
	subs map[string]map[string]subscriptions.Subscription // topic -> subscriber -> row
	mu   sync.RWMutex
}

var _ subscriptions.Store = (*Store)(nil)

// New creates a new in-memory subscription store.
func New() *Store {
	return &Store{subs: make(map[string]map[string]subscriptions.Subscription)}
}

func (s *Store) Upsert(ctx context.Context, sub subscriptions.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	topic, exists := s.subs[sub.Topic]
	if !exists {
		topic = make(map[string]subscriptions.Subscription)
		s.subs[sub.Topic] = topic
	}
	topic[sub.Subscriber] = sub
	return nil
}

func (s *Store) Delete(ctx context.Context, topic, subscriber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rows, exists := s.subs[topic]; exists {
		delete(rows, subscriber)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]subscriptions.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []subscriptions.Subscription
	for _, rows := range s.subs {
		for _, sub := range rows {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
