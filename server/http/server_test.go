// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/platibus/journal"
	journalmem "github.com/absmach/platibus/journal/memory"
	"github.com/absmach/platibus/message"
	"github.com/absmach/platibus/queue"
	queuemem "github.com/absmach/platibus/queue/storage/memory"
	"github.com/absmach/platibus/subscriptions"
	submem "github.com/absmach/platibus/subscriptions/memory"
	"github.com/absmach/platibus/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context, msg *message.Message, principal string) error

func (f handlerFunc) HandleMessage(ctx context.Context, msg *message.Message, principal string) error {
	return f(ctx, msg, principal)
}

type hostFixture struct {
	srv      *httptest.Server
	registry *subscriptions.Registry
	journal  *journal.Journal
}

func newHost(t *testing.T, handler transport.MessageHandler, cfg Config) *hostFixture {
	t.Helper()
	ctx := context.Background()

	qm, err := queue.NewManager(queue.Config{Store: queuemem.New()})
	require.NoError(t, err)
	t.Cleanup(qm.Close)

	registry, err := subscriptions.NewRegistry(ctx, submem.New(), nil)
	require.NoError(t, err)

	j := journal.New(journalmem.New())
	if handler == nil {
		handler = handlerFunc(func(context.Context, *message.Message, string) error { return nil })
	}

	tr, err := transport.New(ctx, transport.Config{
		BaseURI:  "http://self.example.com",
		Queues:   qm,
		Handler:  handler,
		Registry: registry,
		Journal:  j,
	})
	require.NoError(t, err)

	s := New(cfg, tr, registry, j, nil)
	srv := httptest.NewServer(s.server.Handler)
	t.Cleanup(srv.Close)
	return &hostFixture{srv: srv, registry: registry, journal: j}
}

func postMessage(t *testing.T, base, id string, headers map[string]string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, base+"/message/"+id, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHandleMessage_Accepted(t *testing.T) {
	var got *message.Message
	f := newHost(t, handlerFunc(func(_ context.Context, msg *message.Message, _ string) error {
		got = msg
		return nil
	}), Config{})

	resp := postMessage(t, f.srv.URL, "m-1", map[string]string{
		"MessageId":    "m-1",
		"MessageName":  "OrderPlaced",
		"Content-Type": "application/json",
	}, `{"order":1}`)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotNil(t, got)
	assert.Equal(t, "m-1", got.ID())
	assert.Equal(t, "OrderPlaced", got.Headers.MessageName())
	assert.Equal(t, "application/json", got.Headers.ContentType())
	assert.Equal(t, `{"order":1}`, string(got.Content))
	assert.False(t, got.Headers.Received().IsZero())
}

func TestHandleMessage_IDFromPathWhenHeaderMissing(t *testing.T) {
	var got *message.Message
	f := newHost(t, handlerFunc(func(_ context.Context, msg *message.Message, _ string) error {
		got = msg
		return nil
	}), Config{})

	resp := postMessage(t, f.srv.URL, "from-path", map[string]string{"MessageName": "X"}, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "from-path", got.ID())
}

func TestHandleMessage_RejectionMapsTo422(t *testing.T) {
	f := newHost(t, handlerFunc(func(context.Context, *message.Message, string) error {
		return errors.New("cannot handle this")
	}), Config{})

	resp := postMessage(t, f.srv.URL, "m-1", map[string]string{"MessageId": "m-1"}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHandleMessage_ExpiredMapsTo400(t *testing.T) {
	f := newHost(t, nil, Config{})

	resp := postMessage(t, f.srv.URL, "m-1", map[string]string{
		"MessageId": "m-1",
		"Expires":   time.Now().Add(-time.Minute).UTC().Format(time.RFC3339Nano),
	}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscriberResource(t *testing.T) {
	f := newHost(t, nil, Config{})

	// Register.
	resp, err := http.Post(f.srv.URL+"/topic/orders/subscriber?uri=http://a.example.com&ttl=60", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"http://a.example.com"}, f.registry.GetSubscribers("orders"))

	// Missing uri.
	resp, err = http.Post(f.srv.URL+"/topic/orders/subscriber", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Remove.
	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/topic/orders/subscriber?uri=http://a.example.com", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, f.registry.GetSubscribers("orders"))
}

func TestTopicsEndpoint(t *testing.T) {
	f := newHost(t, nil, Config{})
	ctx := context.Background()
	require.NoError(t, f.registry.AddSubscription(ctx, "orders", "http://a.example.com", 0))
	require.NoError(t, f.registry.AddSubscription(ctx, "billing", "http://b.example.com", 0))

	resp, err := http.Get(f.srv.URL + "/topic")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var topics []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&topics))
	assert.Equal(t, []string{"billing", "orders"}, topics)
}

func TestJournalEndpoint(t *testing.T) {
	f := newHost(t, nil, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h := message.NewHeaders()
		h.SetMessageID(message.NewID())
		h.SetTopic("orders")
		require.NoError(t, f.journal.Append(ctx, journal.CategorySent, message.New(h, nil)))
	}

	resp, err := http.Get(f.srv.URL + "/journal?count=2&category=Sent")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page struct {
		Entries      []map[string]any `json:"entries"`
		Next         string           `json:"next"`
		EndOfJournal bool             `json:"end_of_journal"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Len(t, page.Entries, 2)
	assert.False(t, page.EndOfJournal)

	resp, err = http.Get(f.srv.URL + "/journal?count=2&category=Sent&start=" + page.Next)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Len(t, page.Entries, 1)
	assert.True(t, page.EndOfJournal)
}

func TestRateLimit(t *testing.T) {
	f := newHost(t, nil, Config{RateLimit: 1, RateLimitBurst: 2})

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		resp := postMessage(t, f.srv.URL, "m-1", map[string]string{"MessageId": "m-1"}, "")
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Contains(t, statuses, http.StatusTooManyRequests)
}

func TestHealth(t *testing.T) {
	f := newHost(t, nil, Config{})
	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
