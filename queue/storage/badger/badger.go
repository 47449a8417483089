// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides the durable queue store backed by BadgerDB.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/absmach/platibus/message"
	"github.com/absmach/platibus/queue/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/s2"
)

const (
	queueSeqPrefix = "queue:seq:"
	queueMsgPrefix = "queue:msg:"
	queueIDPrefix  = "queue:id:"
)

// Store implements storage.Store using BadgerDB.
//
// Rows are stored under queue:msg:{queue}:{seq} so a prefix scan yields
// insertion order; queue:id:{queue}:{messageID} maps the message id to its
// sequence for keyed access.
type Store struct {
	db *badger.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a BadgerDB queue store on an open database handle.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// record is the persisted form of a queue row. Headers are the RFC-822-style
// text blob; content may be s2-compressed when that wins space.
type record struct {
	Headers    string    `json:"headers"`
	Content    []byte    `json:"content,omitempty"`
	Compressed bool      `json:"compressed,omitempty"`
	Principal  string    `json:"principal,omitempty"`
	Attempts   int       `json:"attempts"`
	Sequence   uint64    `json:"sequence"`
	Enqueued   time.Time `json:"enqueued"`
	Abandoned  time.Time `json:"abandoned,omitzero"`
}

func encodeRecord(qm *storage.QueuedMessage) ([]byte, error) {
	rec := record{
		Headers:   message.EncodeHeaders(qm.Message.Headers),
		Content:   qm.Message.Content,
		Principal: qm.Principal,
		Attempts:  qm.Attempts,
		Sequence:  qm.Sequence,
		Enqueued:  qm.Enqueued,
		Abandoned: qm.Abandoned,
	}
	if len(qm.Message.Content) > 0 {
		compressed := s2.Encode(nil, qm.Message.Content)
		// Only use compression if it actually reduces size.
		if len(compressed) < len(qm.Message.Content) {
			rec.Content = compressed
			rec.Compressed = true
		}
	}
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (*storage.QueuedMessage, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal queue row: %w", err)
	}
	headers, err := message.DecodeHeaders(rec.Headers)
	if err != nil {
		return nil, fmt.Errorf("decode queue row headers: %w", err)
	}
	content := rec.Content
	if rec.Compressed {
		content, err = s2.Decode(nil, rec.Content)
		if err != nil {
			return nil, fmt.Errorf("decompress queue row content: %w", err)
		}
	}
	return &storage.QueuedMessage{
		Message:   message.New(headers, content),
		Principal: rec.Principal,
		Attempts:  rec.Attempts,
		Sequence:  rec.Sequence,
		Enqueued:  rec.Enqueued,
		Abandoned: rec.Abandoned,
	}, nil
}

func msgKey(queue string, seq uint64) []byte {
	return fmt.Appendf(nil, "%s%s:%020d", queueMsgPrefix, queue, seq)
}

func idKey(queue, messageID string) []byte {
	return fmt.Appendf(nil, "%s%s:%s", queueIDPrefix, queue, messageID)
}

func seqKey(queue string) []byte {
	return []byte(queueSeqPrefix + queue)
}

func (s *Store) EnsureQueue(ctx context.Context, queue string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := seqKey(queue)
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, make([]byte, 8))
	})
}

func (s *Store) Insert(ctx context.Context, queue string, qm *storage.QueuedMessage) error {
	id := qm.Message.ID()
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(idKey(queue, id)); err == nil {
			return storage.ErrMessageExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		seq, err := nextSequence(txn, queue)
		if err != nil {
			return err
		}
		qm.Sequence = seq

		data, err := encodeRecord(qm)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey(queue, seq), data); err != nil {
			return err
		}

		seqBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBytes, seq)
		return txn.Set(idKey(queue, id), seqBytes)
	})
}

func (s *Store) Update(ctx context.Context, queue string, qm *storage.QueuedMessage) error {
	return s.mutate(queue, qm.Message.ID(), func(row *storage.QueuedMessage) {
		row.Attempts = qm.Attempts
	})
}

func (s *Store) Abandon(ctx context.Context, queue, messageID string, at time.Time) error {
	return s.mutate(queue, messageID, func(row *storage.QueuedMessage) {
		row.Abandoned = at
	})
}

// mutate rewrites a row in place under a single transaction.
func (s *Store) mutate(queue, messageID string, apply func(*storage.QueuedMessage)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		seq, err := lookupSequence(txn, queue, messageID)
		if err != nil {
			return err
		}
		item, err := txn.Get(msgKey(queue, seq))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrMessageNotFound
			}
			return err
		}
		var row *storage.QueuedMessage
		if err := item.Value(func(val []byte) error {
			row, err = decodeRecord(val)
			return err
		}); err != nil {
			return err
		}
		apply(row)
		data, err := encodeRecord(row)
		if err != nil {
			return err
		}
		return txn.Set(msgKey(queue, seq), data)
	})
}

func (s *Store) Acknowledge(ctx context.Context, queue, messageID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		seq, err := lookupSequence(txn, queue, messageID)
		if err != nil {
			return err
		}
		if err := txn.Delete(msgKey(queue, seq)); err != nil {
			return err
		}
		return txn.Delete(idKey(queue, messageID))
	})
}

func (s *Store) Get(ctx context.Context, queue, messageID string) (*storage.QueuedMessage, error) {
	var row *storage.QueuedMessage
	err := s.db.View(func(txn *badger.Txn) error {
		seq, err := lookupSequence(txn, queue, messageID)
		if err != nil {
			return err
		}
		item, err := txn.Get(msgKey(queue, seq))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrMessageNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			row, err = decodeRecord(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Store) ListPending(ctx context.Context, queue string) ([]*storage.QueuedMessage, error) {
	prefix := []byte(queueMsgPrefix + queue + ":")
	var pending []*storage.QueuedMessage

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var row *storage.QueuedMessage
			if err := it.Item().Value(func(val []byte) error {
				var err error
				row, err = decodeRecord(val)
				return err
			}); err != nil {
				return err
			}
			if row.Pending() {
				pending = append(pending, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// nextSequence increments and returns the per-queue sequence counter within
// the caller's transaction.
func nextSequence(txn *badger.Txn, queue string) (uint64, error) {
	key := seqKey(queue)
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return 0, storage.ErrQueueNotFound
		}
		return 0, err
	}
	var seq uint64
	if err := item.Value(func(val []byte) error {
		if len(val) == 8 {
			seq = binary.BigEndian.Uint64(val)
		}
		return nil
	}); err != nil {
		return 0, err
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := txn.Set(key, buf); err != nil {
		return 0, err
	}
	return seq, nil
}

func lookupSequence(txn *badger.Txn, queue, messageID string) (uint64, error) {
	item, err := txn.Get(idKey(queue, messageID))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return 0, storage.ErrMessageNotFound
		}
		return 0, err
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt sequence index for %s/%s", queue, messageID)
		}
		seq = binary.BigEndian.Uint64(val)
		return nil
	})
	return seq, err
}
