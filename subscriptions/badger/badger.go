// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides the durable subscription store backed by BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/absmach/platibus/subscriptions"
	"github.com/dgraph-io/badger/v4"
)

const subPrefix = "sub:"

// Store implements subscriptions.Store using BadgerDB.
//
// Key format: sub:{topic}:{subscriber}.
type Store struct {
	db *badger.DB
}

var _ subscriptions.Store = (*Store)(nil)

// New creates a BadgerDB subscription store on an open database handle.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func key(topic, subscriber string) []byte {
	return fmt.Appendf(nil, "%s%s:%s", subPrefix, topic, subscriber)
}

func (s *Store) Upsert(ctx context.Context, sub subscriptions.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(sub.Topic, sub.Subscriber), data)
	})
}

func (s *Store) Delete(ctx context.Context, topic, subscriber string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(topic, subscriber))
	})
}

func (s *Store) List(ctx context.Context) ([]subscriptions.Subscription, error) {
	subs := make([]subscriptions.Subscription, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(subPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var sub subscriptions.Subscription
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sub)
			}); err != nil {
				return err
			}
			subs = append(subs, sub)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
