// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/absmach/platibus/bus"
	"github.com/absmach/platibus/config"
	"github.com/absmach/platibus/events"
	"github.com/absmach/platibus/journal"
	journalbadger "github.com/absmach/platibus/journal/badger"
	journalmem "github.com/absmach/platibus/journal/memory"
	"github.com/absmach/platibus/message"
	"github.com/absmach/platibus/queue"
	queuestorage "github.com/absmach/platibus/queue/storage"
	queuebadger "github.com/absmach/platibus/queue/storage/badger"
	queuemem "github.com/absmach/platibus/queue/storage/memory"
	"github.com/absmach/platibus/security"
	httpserver "github.com/absmach/platibus/server/http"
	"github.com/absmach/platibus/server/otel"
	"github.com/absmach/platibus/subscriptions"
	subbadger "github.com/absmach/platibus/subscriptions/badger"
	submem "github.com/absmach/platibus/subscriptions/memory"
	"github.com/absmach/platibus/transport"
	badgerdb "github.com/dgraph-io/badger/v4"
)

// lateHandler defers inbound routing to the bus, which is constructed
// after the transport it depends on.
type lateHandler struct {
	mu  sync.RWMutex
	bus *bus.Bus
}

func (h *lateHandler) set(b *bus.Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bus = b
}

func (h *lateHandler) HandleMessage(ctx context.Context, msg *message.Message, principal string) error {
	h.mu.RLock()
	b := h.bus
	h.mu.RUnlock()
	if b == nil {
		return transport.ErrNotReady
	}
	return b.HandleMessage(ctx, msg, principal)
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting message bus",
		"base_uri", cfg.Bus.BaseURI,
		"http_addr", cfg.Server.Address,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage backends
	var (
		queueStore queuestorage.Store
		subStore   subscriptions.Store
		jrnlStore  journal.Store
	)
	switch cfg.Storage.Type {
	case "memory":
		queueStore = queuemem.New()
		subStore = submem.New()
		jrnlStore = journalmem.New()
		slog.Info("Using in-memory storage")
	case "badger":
		db, err := badgerdb.Open(badgerdb.DefaultOptions(cfg.Storage.BadgerDir).WithLogger(nil))
		if err != nil {
			slog.Error("Failed to open BadgerDB storage", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		queueStore = queuebadger.New(db)
		subStore = subbadger.New(db)
		jrnlStore = journalbadger.New(db)
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}

	// Metrics
	var metrics *otel.Metrics
	if cfg.Metrics.Enabled {
		shutdown, err := otel.InitProvider(ctx, otel.Config{
			Endpoint:       cfg.Metrics.Endpoint,
			ServiceName:    cfg.Metrics.ServiceName,
			ServiceVersion: cfg.Metrics.ServiceVersion,
			InstanceID:     cfg.Bus.BaseURI,
		})
		if err != nil {
			slog.Error("Failed to initialize metrics", "error", err)
			os.Exit(1)
		}
		defer func() { _ = shutdown(context.Background()) }()

		metrics, err = otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metric instruments", "error", err)
			os.Exit(1)
		}
	}

	sink := events.NewSlogSink(logger)

	signingKey := cfg.Bus.SigningKey
	if signingKey == "" {
		slog.Warn("No signing key configured; using an ephemeral key, security tokens will not validate after restart")
		signingKey = message.NewID()
	}
	tokens := security.NewHMACTokenService([]byte(signingKey))

	var queueMetrics queue.Metrics
	var transportMetrics transport.Metrics
	if metrics != nil {
		queueMetrics = metrics
		transportMetrics = metrics
	}

	queues, err := queue.NewManager(queue.Config{
		Store:       queueStore,
		MemoryStore: queuemem.New(),
		Tokens:      tokens,
		Sink:        sink,
		Metrics:     queueMetrics,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("Failed to create queue manager", "error", err)
		os.Exit(1)
	}
	defer queues.Close()

	registry, err := subscriptions.NewRegistry(ctx, subStore, logger)
	if err != nil {
		slog.Error("Failed to load subscription registry", "error", err)
		os.Exit(1)
	}

	jrnl := journal.New(jrnlStore)

	var endpoints []transport.Endpoint
	for _, ep := range cfg.Endpoints {
		endpoint := transport.Endpoint{Name: ep.Name, BaseURI: ep.BaseURI}
		if ep.Username != "" {
			endpoint.Credentials = &transport.Credentials{Username: ep.Username, Password: ep.Password}
		}
		endpoints = append(endpoints, endpoint)
	}
	endpointRegistry := transport.NewEndpointRegistry(endpoints)

	inbound := &lateHandler{}
	tr, err := transport.New(ctx, transport.Config{
		BaseURI:     cfg.Bus.BaseURI,
		Endpoints:   endpointRegistry,
		Queues:      queues,
		Handler:     inbound,
		Registry:    registry,
		Journal:     jrnl,
		Sink:        sink,
		Metrics:     transportMetrics,
		LocalBypass: cfg.Bus.LocalBypass,
		Timeout:     cfg.Bus.DeliveryTimeout,
		OutboundOptions: queue.Options{
			Concurrency: cfg.Queue.Concurrency,
			MaxAttempts: cfg.Queue.MaxAttempts,
			RetryDelay:  cfg.Queue.RetryDelay,
			TTL:         cfg.Queue.TTL,
			BufferSize:  cfg.Queue.BufferSize,
		},
		RetryInterval: cfg.Subscription.RetryInterval,
	})
	if err != nil {
		slog.Error("Failed to create transport", "error", err)
		os.Exit(1)
	}

	var sendRules []bus.SendRule
	for _, rule := range cfg.SendRules {
		sendRules = append(sendRules, bus.SendRule{Prefix: rule.Prefix, Endpoints: rule.Endpoints})
	}

	b, err := bus.New(ctx, bus.Config{
		BaseURI:   cfg.Bus.BaseURI,
		Transport: tr,
		Endpoints: endpointRegistry,
		SendRules: sendRules,
		Queues:    queues,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("Failed to create bus", "error", err)
		os.Exit(1)
	}
	inbound.set(b)

	// Configured subscriptions run until shutdown.
	var wg sync.WaitGroup
	for _, rule := range cfg.Subscriptions {
		wg.Add(1)
		go func(rule config.SubscriptionRule) {
			defer wg.Done()
			if err := b.Subscribe(ctx, rule.Endpoint, rule.Topic, rule.TTL); err != nil {
				slog.Error("Subscription terminated", "endpoint", rule.Endpoint, "topic", rule.Topic, "error", err)
			}
		}(rule)
	}

	var tlsConfig *tls.Config
	if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			slog.Error("Failed to load TLS key pair", "error", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	server := httpserver.New(httpserver.Config{
		Address:         cfg.Server.Address,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		TLSConfig:       tlsConfig,
		RateLimit:       cfg.Server.RateLimit,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
	}, tr, registry, jrnl, logger)

	if err := server.Listen(ctx); err != nil {
		slog.Error("HTTP host failed", "error", err)
	}

	stop()
	wg.Wait()
	slog.Info("Message bus stopped")
}
