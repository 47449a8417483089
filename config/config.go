// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the declarative bus configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for one bus instance.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Bus           BusConfig          `yaml:"bus"`
	Queue         QueueConfig        `yaml:"queue"`
	Subscription  SubscriptionConfig `yaml:"subscription"`
	Log           LogConfig          `yaml:"log"`
	Storage       StorageConfig      `yaml:"storage"`
	Metrics       MetricsConfig      `yaml:"metrics"`
	Endpoints     []EndpointConfig   `yaml:"endpoints"`
	SendRules     []SendRuleConfig   `yaml:"send_rules"`
	Subscriptions []SubscriptionRule `yaml:"subscriptions"`
}

// ServerConfig holds the HTTP host settings.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       float64       `yaml:"rate_limit"` // requests/second per peer, 0 disables
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

// BusConfig holds bus-level settings.
type BusConfig struct {
	// BaseURI is this instance's own endpoint URI as peers see it.
	BaseURI string `yaml:"base_uri"`

	// LocalBypass short-circuits deliveries addressed to BaseURI.
	LocalBypass bool `yaml:"local_bypass"`

	// SigningKey signs the security tokens that capture principals
	// across durable queue storage.
	SigningKey string `yaml:"signing_key"`

	// DeliveryTimeout bounds each outbound HTTP request.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

// QueueConfig holds the outbound and handler queue defaults.
type QueueConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	AutoAcknowledge bool          `yaml:"auto_acknowledge"`
	TTL             time.Duration `yaml:"ttl"`
	BufferSize      int           `yaml:"buffer_size"`
}

// SubscriptionConfig holds the renewal loop settings.
type SubscriptionConfig struct {
	// RetryInterval is the sleep after a transient renewal failure.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// MetricsConfig holds OpenTelemetry configuration.
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// EndpointConfig names a peer endpoint.
type EndpointConfig struct {
	Name     string `yaml:"name"`
	BaseURI  string `yaml:"base_uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SendRuleConfig routes messages by name prefix to named endpoints.
type SendRuleConfig struct {
	// Prefix matches the start of a MessageName; "*" matches all.
	Prefix    string   `yaml:"prefix"`
	Endpoints []string `yaml:"endpoints"`
}

// SubscriptionRule subscribes this instance to a topic on a publisher.
type SubscriptionRule struct {
	Endpoint string        `yaml:"endpoint"`
	Topic    string        `yaml:"topic"`
	TTL      time.Duration `yaml:"ttl"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8089",
			ShutdownTimeout: 30 * time.Second,
		},
		Bus: BusConfig{
			BaseURI:         "http://localhost:8089",
			LocalBypass:     true,
			DeliveryTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			Concurrency: 4,
			MaxAttempts: 10,
			RetryDelay:  time.Second,
		},
		Subscription: SubscriptionConfig{
			RetryInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "badger",
			BadgerDir: "data/platibus",
		},
		Metrics: MetricsConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			ServiceName:    "platibus",
			ServiceVersion: "1.0.0",
		},
	}
}

// Load reads configuration from the file, applying defaults first. An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Bus.BaseURI == "" {
		return fmt.Errorf("bus.base_uri cannot be empty")
	}
	if c.Storage.Type != "memory" && c.Storage.Type != "badger" {
		return fmt.Errorf("storage.type must be memory or badger, got %q", c.Storage.Type)
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir cannot be empty with badger storage")
	}
	if c.Queue.Concurrency < 0 || c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue limits cannot be negative")
	}

	names := make(map[string]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.Name == "" || ep.BaseURI == "" {
			return fmt.Errorf("endpoints require both name and base_uri")
		}
		if names[ep.Name] {
			return fmt.Errorf("duplicate endpoint name %q", ep.Name)
		}
		names[ep.Name] = true
	}

	for _, rule := range c.SendRules {
		if len(rule.Endpoints) == 0 {
			return fmt.Errorf("send rule %q names no endpoints", rule.Prefix)
		}
		for _, name := range rule.Endpoints {
			if !names[name] {
				return fmt.Errorf("send rule %q references unknown endpoint %q", rule.Prefix, name)
			}
		}
	}
	for _, sub := range c.Subscriptions {
		if !names[sub.Endpoint] {
			return fmt.Errorf("subscription to %q references unknown endpoint %q", sub.Topic, sub.Endpoint)
		}
		if sub.Topic == "" {
			return fmt.Errorf("subscription on endpoint %q has no topic", sub.Endpoint)
		}
	}
	return nil
}
