// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package journal implements the append-only, totally ordered log of sent,
// received, and published messages, with filtered, paginated, repeatable
// reads from a replayable position.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/absmach/platibus/message"
)

// Category classifies a journal entry.
type Category string

const (
	CategorySent      Category = "Sent"
	CategoryReceived  Category = "Received"
	CategoryPublished Category = "Published"
)

// ErrInvalidPosition indicates a position token that cannot be parsed.
var ErrInvalidPosition = errors.New("invalid journal position")

// Position is an opaque token that totally orders journal entries. For any
// two entries A inserted before B, A.Position < B.Position. Positions
// round-trip through String and ParsePosition.
type Position uint64

// String returns the replayable token form of the position.
func (p Position) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// ParsePosition reopens a position from its token form.
func ParsePosition(s string) (Position, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPosition, s)
	}
	return Position(v), nil
}

// Entry is one journaled message event.
type Entry struct {
	Position  Position
	Timestamp time.Time
	Category  Category
	Topic     string
	Message   *message.Message
}

// Filter restricts a read. Empty fields do not restrict; set fields are
// conjunctive.
type Filter struct {
	Categories []Category
	Topics     []string
}

func (f Filter) matches(e *Entry) bool {
	if len(f.Categories) > 0 {
		ok := false
		for _, c := range f.Categories {
			if e.Category == c {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Topics) > 0 {
		ok := false
		for _, t := range f.Topics {
			if e.Topic == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// ReadResult is one page of journal entries. Next continues the read;
// EndOfJournal is set when fewer than the requested count were available.
type ReadResult struct {
	Entries      []*Entry
	Next         Position
	EndOfJournal bool
}

// Store persists journal entries in position order.
type Store interface {
	// Append persists the entry, assigning the next monotonic position.
	Append(ctx context.Context, e *Entry) error

	// Scan iterates entries with position >= start in position order,
	// until fn returns false or the journal ends.
	Scan(ctx context.Context, start Position, fn func(*Entry) (bool, error)) error

	// First returns the earliest valid position; ok is false for an
	// empty journal.
	First(ctx context.Context) (Position, bool, error)

	// Close releases the backing store.
	Close() error
}

// Journal is the message journal service.
type Journal struct {
	store Store
}

// New creates a journal over the given store.
func New(store Store) *Journal {
	return &Journal{store: store}
}

// Append journals the message under the category. The entry's topic is
// taken from the message headers.
func (j *Journal) Append(ctx context.Context, category Category, msg *message.Message) error {
	e := &Entry{
		Timestamp: time.Now().UTC(),
		Category:  category,
		Topic:     msg.Headers.Topic(),
		Message:   msg.Clone(),
	}
	return j.store.Append(ctx, e)
}

// Read returns up to count entries matching the filter, starting at start.
// Reads are repeatable: identical arguments yield identical entries in
// identical order.
func (j *Journal) Read(ctx context.Context, start Position, count int, filter Filter) (*ReadResult, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}

	result := &ReadResult{Next: start, EndOfJournal: true}
	err := j.store.Scan(ctx, start, func(e *Entry) (bool, error) {
		if filter.matches(e) {
			result.Entries = append(result.Entries, e)
		}
		result.Next = e.Position + 1
		if len(result.Entries) == count {
			result.EndOfJournal = false
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Beginning returns the earliest valid position. An empty journal begins
// at the first position that will be assigned.
func (j *Journal) Beginning(ctx context.Context) (Position, error) {
	first, ok, err := j.store.First(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	return first, nil
}
