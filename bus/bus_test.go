// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/absmach/platibus/message"
	"github.com/absmach/platibus/queue"
	queuemem "github.com/absmach/platibus/queue/storage/memory"
	"github.com/absmach/platibus/subscriptions"
	submem "github.com/absmach/platibus/subscriptions/memory"
	"github.com/absmach/platibus/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	bus  *Bus
	peer *peerServer
}

// peerServer records messages POSTed to a fake remote bus.
type peerServer struct {
	mu       sync.Mutex
	messages []recordedMessage
	srv      *httptest.Server
}

type recordedMessage struct {
	path    string
	headers http.Header
}

func newPeerServer(t *testing.T) *peerServer {
	t.Helper()
	p := &peerServer{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.messages = append(p.messages, recordedMessage{path: r.URL.Path, headers: r.Header.Clone()})
		p.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peerServer) all() []recordedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedMessage(nil), p.messages...)
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	peer := newPeerServer(t)
	qm, err := queue.NewManager(queue.Config{Store: queuemem.New()})
	require.NoError(t, err)
	t.Cleanup(qm.Close)

	registry, err := subscriptions.NewRegistry(ctx, submem.New(), nil)
	require.NoError(t, err)

	endpoints := transport.NewEndpointRegistry([]transport.Endpoint{
		{Name: "peer", BaseURI: peer.srv.URL},
	})

	var b *Bus
	tr, err := transport.New(ctx, transport.Config{
		BaseURI:   "http://self.example.com",
		Endpoints: endpoints,
		Queues:    qm,
		Registry:  registry,
		Handler: transportHandler{bus: func() *Bus {
			return b
		}},
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)

	cfg := Config{
		BaseURI:      "http://self.example.com",
		Transport:    tr,
		Endpoints:    endpoints,
		Queues:       qm,
		ReplyTimeout: time.Second,
		SendRules: []SendRule{
			{Prefix: "Order", Endpoints: []string{"peer"}},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	b, err = New(ctx, cfg)
	require.NoError(t, err)
	return &fixture{bus: b, peer: peer}
}

// transportHandler defers to the bus once constructed, breaking the
// transport/bus construction cycle the same way the binary wiring does.
type transportHandler struct {
	bus func() *Bus
}

func (h transportHandler) HandleMessage(ctx context.Context, msg *message.Message, principal string) error {
	return h.bus().HandleMessage(ctx, msg, principal)
}

func newNamed(name string) *message.Message {
	h := message.NewHeaders()
	h.SetMessageName(name)
	h.SetContentType("text/plain")
	return message.New(h, []byte("body"))
}

func TestBus_SendViaRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sent, err := f.bus.Send(ctx, newNamed("OrderPlaced"), "alice")
	require.NoError(t, err)
	require.NotNil(t, sent)

	msgs := f.peer.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "/message/"+sent.ID(), msgs[0].path)
	assert.Equal(t, "http://self.example.com", msgs[0].headers.Get("Origination"))
	assert.Equal(t, "http://self.example.com", msgs[0].headers.Get("ReplyTo"))
}

func TestBus_SendNoRouteFails(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.bus.Send(context.Background(), newNamed("UnroutedEvent"), "")
	assert.ErrorIs(t, err, ErrNoDestination)
	assert.Empty(t, f.peer.all())
}

func TestBus_SendExplicitDestinationWins(t *testing.T) {
	f := newFixture(t, nil)

	msg := newNamed("OrderPlaced")
	msg.Headers.SetDestination(f.peer.srv.URL)
	sent, err := f.bus.Send(context.Background(), msg, "")
	require.NoError(t, err)
	require.Len(t, f.peer.all(), 1)
	assert.NotEmpty(t, sent.ID())
}

func TestBus_HandlerRouting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var got []string
	var mu sync.Mutex
	f.bus.Register("OrderPlaced", HandlerFunc(func(_ context.Context, msg *message.Message, _ string) error {
		mu.Lock()
		got = append(got, "exact:"+msg.Headers.MessageName())
		mu.Unlock()
		return nil
	}))
	f.bus.RegisterDefault(HandlerFunc(func(_ context.Context, msg *message.Message, _ string) error {
		mu.Lock()
		got = append(got, "default:"+msg.Headers.MessageName())
		mu.Unlock()
		return nil
	}))

	in1 := newNamed("OrderPlaced")
	in1.Headers.SetMessageID(message.NewID())
	require.NoError(t, f.bus.HandleMessage(ctx, in1, ""))

	in2 := newNamed("SomethingElse")
	in2.Headers.SetMessageID(message.NewID())
	require.NoError(t, f.bus.HandleMessage(ctx, in2, ""))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"exact:OrderPlaced", "default:SomethingElse"}, got)
}

func TestBus_NoHandlerRejects(t *testing.T) {
	f := newFixture(t, nil)

	in := newNamed("Nobody")
	in.Headers.SetMessageID(message.NewID())
	err := f.bus.HandleMessage(context.Background(), in, "")
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestBus_ReplyCorrelation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sent, err := f.bus.Send(ctx, newNamed("OrderPlaced"), "")
	require.NoError(t, err)

	// The peer's reply arrives as an ordinary inbound message.
	reply := newNamed("OrderAccepted")
	reply.Headers.SetMessageID(message.NewID())
	reply.Headers.SetRelatedTo(sent.ID())
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.bus.HandleMessage(ctx, reply, "")
	}()

	got, err := sent.Reply(ctx)
	require.NoError(t, err)
	assert.Equal(t, "OrderAccepted", got.Headers.MessageName())
}

func TestBus_ReplyTimeout(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.ReplyTimeout = 30 * time.Millisecond })

	sent, err := f.bus.Send(context.Background(), newNamed("OrderPlaced"), "")
	require.NoError(t, err)

	_, err = sent.Reply(context.Background())
	assert.Error(t, err)
}

func TestBus_UnclaimedReplyRoutesToHandlers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var handled bool
	f.bus.Register("OrderAccepted", HandlerFunc(func(context.Context, *message.Message, string) error {
		handled = true
		return nil
	}))

	reply := newNamed("OrderAccepted")
	reply.Headers.SetMessageID(message.NewID())
	reply.Headers.SetRelatedTo("nobody-waiting")
	require.NoError(t, f.bus.HandleMessage(ctx, reply, ""))
	assert.True(t, handled)
}

func TestBus_SendReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	inbound := newNamed("OrderPlaced")
	inbound.Headers.SetMessageID(message.NewID())
	inbound.Headers.SetReplyTo(f.peer.srv.URL)

	require.NoError(t, f.bus.SendReply(ctx, inbound, newNamed("OrderAccepted"), ""))

	msgs := f.peer.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, inbound.ID(), msgs[0].headers.Get("RelatedTo"))
}

func TestBus_HandlerQueueing(t *testing.T) {
	ctx := context.Background()

	done := make(chan string, 1)
	f := newFixture(t, func(cfg *Config) {
		cfg.HandlerQueue = &queue.Options{
			MaxAttempts: 3,
			RetryDelay:  20 * time.Millisecond,
		}
	})
	f.bus.Register("OrderPlaced", HandlerFunc(func(_ context.Context, msg *message.Message, principal string) error {
		done <- principal
		return nil
	}))

	in := newNamed("OrderPlaced")
	in.Headers.SetMessageID(message.NewID())
	require.NoError(t, f.bus.HandleMessage(ctx, in, "alice"), "queued handling acknowledges on enqueue")

	select {
	case principal := <-done:
		assert.Equal(t, "alice", principal)
	case <-time.After(2 * time.Second):
		t.Fatal("queued message never reached the handler")
	}
}

func TestBus_HandlerQueueRetries(t *testing.T) {
	ctx := context.Background()

	var attempts int
	done := make(chan struct{})
	var once sync.Once
	f := newFixture(t, func(cfg *Config) {
		cfg.HandlerQueue = &queue.Options{
			MaxAttempts: 5,
			RetryDelay:  20 * time.Millisecond,
		}
	})
	f.bus.Register("OrderPlaced", HandlerFunc(func(context.Context, *message.Message, string) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		once.Do(func() { close(done) })
		return nil
	}))

	in := newNamed("OrderPlaced")
	in.Headers.SetMessageID(message.NewID())
	require.NoError(t, f.bus.HandleMessage(ctx, in, ""))

	select {
	case <-done:
		assert.Equal(t, 3, attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("handler queue did not retry to success")
	}
}
