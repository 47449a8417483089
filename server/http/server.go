// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http hosts the bus's wire protocol: inbound message delivery,
// subscription management, and the introspection endpoints.
package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/absmach/platibus/journal"
	"github.com/absmach/platibus/message"
	"github.com/absmach/platibus/ratelimit"
	"github.com/absmach/platibus/subscriptions"
	"github.com/absmach/platibus/transport"
)

// maxContentBytes bounds an inbound message body.
const maxContentBytes = 10 << 20

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config

	// RateLimit is the per-peer request rate (requests per second).
	// Zero disables rate limiting.
	RateLimit      float64
	RateLimitBurst int
}

// Server hosts the HTTP surface of one bus instance.
type Server struct {
	config    Config
	transport *transport.Transport
	registry  *subscriptions.Registry
	journal   *journal.Journal
	limiter   *ratelimit.PeerRateLimiter
	logger    *slog.Logger
	server    *http.Server
}

// New creates the HTTP host. Journal may be nil; the introspection route
// then reports 404.
func New(cfg Config, t *transport.Transport, registry *subscriptions.Registry, j *journal.Journal, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    cfg,
		transport: t,
		registry:  registry,
		journal:   j,
		logger:    logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		s.limiter = ratelimit.NewPeerRateLimiter(cfg.RateLimit, burst, time.Minute)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /message/{id}", s.limit(s.handleMessage))
	mux.HandleFunc("POST /topic/{topic}/subscriber", s.limit(s.handleSubscribe))
	mux.HandleFunc("DELETE /topic/{topic}/subscriber", s.limit(s.handleUnsubscribe))
	mux.HandleFunc("GET /topic", s.handleTopics)
	mux.HandleFunc("GET /journal", s.handleJournal)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Addr:      cfg.Address,
		Handler:   mux,
		TLSConfig: cfg.TLSConfig,
	}
	return s
}

// Listen serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("http_host_starting", slog.String("addr", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		if s.config.TLSConfig != nil {
			if err := s.server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			return
		}
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("http_host_shutdown_initiated")
		if s.limiter != nil {
			s.limiter.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http_host_shutdown_error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("http_host_stopped")
		return nil
	}
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.config.ShutdownTimeout > 0 {
		return s.config.ShutdownTimeout
	}
	return 10 * time.Second
}

// limit wraps a handler with the per-peer rate limiter.
func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(r.RemoteAddr) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// handleMessage accepts POST /message/{id}: the body is the content and
// every HTTP header other than the transport-level ones dropped by
// headersFromRequest is carried into the message headers.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(io.LimitReader(r.Body, maxContentBytes))
	if err != nil {
		http.Error(w, "failed to read content", http.StatusBadRequest)
		return
	}

	msg := message.New(headersFromRequest(r), content)
	if msg.Headers.MessageID() == "" {
		msg.Headers.SetMessageID(r.PathValue("id"))
	}

	principal, _, _ := r.BasicAuth()
	if err := s.transport.HandleIncoming(r.Context(), msg, principal); err != nil {
		s.logger.Warn("inbound_message_rejected",
			slog.String("message_id", msg.ID()),
			slog.String("error", err.Error()))
		if class, ok := transport.ClassOf(err); ok && class == transport.ClassInvalidRequest {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleSubscribe accepts POST /topic/{topic}/subscriber?uri=...&ttl=...
// Absent ttl means non-expiring.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	subscriber := r.URL.Query().Get("uri")
	if subscriber == "" {
		http.Error(w, "uri parameter is required", http.StatusBadRequest)
		return
	}

	var ttl time.Duration
	if v := r.URL.Query().Get("ttl"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds < 0 {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(seconds) * time.Second
	}

	if err := s.registry.AddSubscription(r.Context(), topic, subscriber, ttl); err != nil {
		s.logger.Error("subscription_add_failed", slog.String("topic", topic), slog.String("error", err.Error()))
		http.Error(w, "failed to store subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	subscriber := r.URL.Query().Get("uri")
	if subscriber == "" {
		http.Error(w, "uri parameter is required", http.StatusBadRequest)
		return
	}

	if err := s.registry.RemoveSubscription(r.Context(), topic, subscriber); err != nil {
		s.logger.Error("subscription_remove_failed", slog.String("topic", topic), slog.String("error", err.Error()))
		http.Error(w, "failed to remove subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Topics())
}

type journalEntryResponse struct {
	Position  string            `json:"position"`
	Timestamp time.Time         `json:"timestamp"`
	Category  string            `json:"category"`
	Topic     string            `json:"topic,omitempty"`
	Headers   map[string]string `json:"headers"`
}

type journalResponse struct {
	Entries      []journalEntryResponse `json:"entries"`
	Next         string                 `json:"next"`
	EndOfJournal bool                   `json:"end_of_journal"`
}

// handleJournal serves GET /journal?start=...&count=...&category=...&topic=...
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	q := r.URL.Query()

	start, err := s.journal.Beginning(ctx)
	if err != nil {
		http.Error(w, "failed to read journal", http.StatusInternalServerError)
		return
	}
	if v := q.Get("start"); v != "" {
		start, err = journal.ParsePosition(v)
		if err != nil {
			http.Error(w, "invalid start position", http.StatusBadRequest)
			return
		}
	}

	count := 100
	if v := q.Get("count"); v != "" {
		count, err = strconv.Atoi(v)
		if err != nil || count <= 0 {
			http.Error(w, "invalid count", http.StatusBadRequest)
			return
		}
	}

	var filter journal.Filter
	for _, c := range q["category"] {
		filter.Categories = append(filter.Categories, journal.Category(c))
	}
	filter.Topics = q["topic"]

	page, err := s.journal.Read(ctx, start, count, filter)
	if err != nil {
		if errors.Is(err, journal.ErrInvalidPosition) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("journal_read_failed", slog.String("error", err.Error()))
		http.Error(w, "failed to read journal", http.StatusInternalServerError)
		return
	}

	resp := journalResponse{
		Entries:      make([]journalEntryResponse, 0, len(page.Entries)),
		Next:         page.Next.String(),
		EndOfJournal: page.EndOfJournal,
	}
	for _, e := range page.Entries {
		headers := make(map[string]string, e.Message.Headers.Len())
		e.Message.Headers.Each(func(name, value string) {
			headers[name] = value
		})
		resp.Entries = append(resp.Entries, journalEntryResponse{
			Position:  e.Position.String(),
			Timestamp: e.Timestamp,
			Category:  string(e.Category),
			Topic:     e.Topic,
			Headers:   headers,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// headersFromRequest copies the HTTP headers into message headers,
// translating Content-Type back to the ContentType header.
func headersFromRequest(r *http.Request) *message.Headers {
	h := message.NewHeaders()
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		switch http.CanonicalHeaderKey(name) {
		case "Content-Type":
			h.SetContentType(values[0])
		case "Content-Length", "Authorization", "User-Agent", "Accept-Encoding", "Connection":
			// Transport-level headers are not message headers.
		default:
			h.Set(name, values[0])
		}
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
