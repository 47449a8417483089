// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package journal_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/absmach/platibus/journal"
	"github.com/absmach/platibus/journal/memory"
	"github.com/absmach/platibus/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMessage(id, topic string) *message.Message {
	h := message.NewHeaders()
	h.SetMessageID(id)
	if topic != "" {
		h.SetTopic(topic)
	}
	return message.New(h, []byte("content"))
}

// seedMixed appends 32 entries: 8 Sent, 16 Received, 8 Published, with
// topics Foo:4, Bar:4, Baz:8 and 16 without a topic.
func seedMixed(t *testing.T, j *journal.Journal) {
	t.Helper()
	ctx := context.Background()
	n := 0
	appendN := func(category journal.Category, topic string, count int) {
		for i := 0; i < count; i++ {
			n++
			require.NoError(t, j.Append(ctx, category, newMessage(fmt.Sprintf("m-%02d", n), topic)))
		}
	}
	appendN(journal.CategorySent, "Foo", 4)
	appendN(journal.CategorySent, "", 4)
	appendN(journal.CategoryReceived, "Bar", 4)
	appendN(journal.CategoryReceived, "", 12)
	appendN(journal.CategoryPublished, "Baz", 8)
}

func TestJournal_PositionsMonotonic(t *testing.T) {
	ctx := context.Background()
	j := journal.New(memory.New())

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Append(ctx, journal.CategorySent, newMessage(fmt.Sprintf("m-%d", i), "")))
	}

	start, err := j.Beginning(ctx)
	require.NoError(t, err)
	page, err := j.Read(ctx, start, 100, journal.Filter{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 10)

	for i := 1; i < len(page.Entries); i++ {
		assert.Less(t, page.Entries[i-1].Position, page.Entries[i].Position)
	}
}

func TestJournal_PagingAndFiltering(t *testing.T) {
	ctx := context.Background()
	j := journal.New(memory.New())
	seedMixed(t, j)

	start, err := j.Beginning(ctx)
	require.NoError(t, err)
	filter := journal.Filter{Categories: []journal.Category{journal.CategoryReceived}}

	page1, err := j.Read(ctx, start, 10, filter)
	require.NoError(t, err)
	assert.Len(t, page1.Entries, 10)
	assert.False(t, page1.EndOfJournal)

	page2, err := j.Read(ctx, page1.Next, 10, filter)
	require.NoError(t, err)
	assert.Len(t, page2.Entries, 6)
	assert.True(t, page2.EndOfJournal)

	for _, e := range append(page1.Entries, page2.Entries...) {
		assert.Equal(t, journal.CategoryReceived, e.Category)
	}
}

func TestJournal_ReadIsRepeatable(t *testing.T) {
	ctx := context.Background()
	j := journal.New(memory.New())
	seedMixed(t, j)

	start, err := j.Beginning(ctx)
	require.NoError(t, err)
	filter := journal.Filter{Categories: []journal.Category{journal.CategoryReceived}}

	first, err := j.Read(ctx, start, 10, filter)
	require.NoError(t, err)
	second, err := j.Read(ctx, start, 10, filter)
	require.NoError(t, err)

	require.Len(t, second.Entries, len(first.Entries))
	for i := range first.Entries {
		assert.Equal(t, first.Entries[i].Position, second.Entries[i].Position)
		assert.Equal(t, first.Entries[i].Message.ID(), second.Entries[i].Message.ID())
	}
	assert.Equal(t, first.Next, second.Next)
}

func TestJournal_ConjunctiveFilter(t *testing.T) {
	ctx := context.Background()
	j := journal.New(memory.New())
	seedMixed(t, j)

	start, err := j.Beginning(ctx)
	require.NoError(t, err)

	page, err := j.Read(ctx, start, 100, journal.Filter{
		Categories: []journal.Category{journal.CategoryReceived},
		Topics:     []string{"Bar"},
	})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 4)
	assert.True(t, page.EndOfJournal)

	// A filter with no possible intersection matches nothing.
	page, err = j.Read(ctx, start, 100, journal.Filter{
		Categories: []journal.Category{journal.CategorySent},
		Topics:     []string{"Baz"},
	})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
	assert.True(t, page.EndOfJournal)
}

func TestJournal_TopicFilter(t *testing.T) {
	ctx := context.Background()
	j := journal.New(memory.New())
	seedMixed(t, j)

	start, err := j.Beginning(ctx)
	require.NoError(t, err)
	page, err := j.Read(ctx, start, 100, journal.Filter{Topics: []string{"Foo", "Baz"}})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 12)
}

func TestJournal_EmptyBeginning(t *testing.T) {
	ctx := context.Background()
	j := journal.New(memory.New())

	start, err := j.Beginning(ctx)
	require.NoError(t, err)

	page, err := j.Read(ctx, start, 10, journal.Filter{})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
	assert.True(t, page.EndOfJournal)
}

func TestPosition_RoundTrip(t *testing.T) {
	p := journal.Position(42)
	parsed, err := journal.ParsePosition(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, parsed)

	_, err = journal.ParsePosition("not-a-position")
	assert.ErrorIs(t, err, journal.ErrInvalidPosition)
}
