// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides the durable journal store backed by BadgerDB.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/absmach/platibus/journal"
	"github.com/absmach/platibus/message"
	"github.com/dgraph-io/badger/v4"
)

const (
	entryPrefix = "journal:entry:"
	seqKey      = "journal:seq"
)

// Store implements journal.Store using BadgerDB. Entries live under
// journal:entry:{position} so a prefix scan yields position order.
type Store struct {
	db *badger.DB
}

var _ journal.Store = (*Store)(nil)

// New creates a BadgerDB journal store on an open database handle.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// record is the persisted form of a journal entry. Headers use the same
// RFC-822-style blob as the queue store.
type record struct {
	Position  uint64    `json:"position"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	Topic     string    `json:"topic,omitempty"`
	Headers   string    `json:"headers"`
	Content   []byte    `json:"content,omitempty"`
}

func entryKey(pos uint64) []byte {
	return fmt.Appendf(nil, "%s%020d", entryPrefix, pos)
}

func (s *Store) Append(ctx context.Context, e *journal.Entry) error {
	return s.db.Update(func(txn *badger.Txn) error {
		pos, err := nextPosition(txn)
		if err != nil {
			return err
		}
		e.Position = journal.Position(pos)

		rec := record{
			Position:  pos,
			Timestamp: e.Timestamp,
			Category:  string(e.Category),
			Topic:     e.Topic,
			Headers:   message.EncodeHeaders(e.Message.Headers),
			Content:   e.Message.Content,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal journal entry: %w", err)
		}
		return txn.Set(entryKey(pos), data)
	})
}

func (s *Store) Scan(ctx context.Context, start journal.Position, fn func(*journal.Entry) (bool, error)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(entryKey(uint64(start))); it.Valid(); it.Next() {
			var e *journal.Entry
			if err := it.Item().Value(func(val []byte) error {
				var err error
				e, err = decodeRecord(val)
				return err
			}); err != nil {
				return err
			}
			cont, err := fn(e)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

func (s *Store) First(ctx context.Context) (journal.Position, bool, error) {
	var (
		pos   journal.Position
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return nil
		}
		key := it.Item().Key()
		v, err := parseEntryKey(key)
		if err != nil {
			return err
		}
		pos, found = journal.Position(v), true
		return nil
	})
	return pos, found, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func decodeRecord(data []byte) (*journal.Entry, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal journal entry: %w", err)
	}
	headers, err := message.DecodeHeaders(rec.Headers)
	if err != nil {
		return nil, fmt.Errorf("decode journal entry headers: %w", err)
	}
	return &journal.Entry{
		Position:  journal.Position(rec.Position),
		Timestamp: rec.Timestamp,
		Category:  journal.Category(rec.Category),
		Topic:     rec.Topic,
		Message:   message.New(headers, rec.Content),
	}, nil
}

func parseEntryKey(key []byte) (uint64, error) {
	var pos uint64
	if _, err := fmt.Sscanf(string(key), entryPrefix+"%d", &pos); err != nil {
		return 0, fmt.Errorf("corrupt journal key %q: %w", key, err)
	}
	return pos, nil
}

// nextPosition increments and returns the journal sequence counter within
// the caller's transaction.
func nextPosition(txn *badger.Txn) (uint64, error) {
	var seq uint64
	item, err := txn.Get([]byte(seqKey))
	switch err {
	case nil:
		if err := item.Value(func(val []byte) error {
			if len(val) == 8 {
				seq = binary.BigEndian.Uint64(val)
			}
			return nil
		}); err != nil {
			return 0, err
		}
	case badger.ErrKeyNotFound:
	default:
		return 0, err
	}

	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := txn.Set([]byte(seqKey), buf); err != nil {
		return 0, err
	}
	return seq, nil
}
