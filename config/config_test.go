// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8089", cfg.Server.Address)
	assert.Equal(t, "badger", cfg.Storage.Type)
	assert.Equal(t, 10, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Subscription.RetryInterval)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9090"
bus:
  base_uri: "http://bus-a.example.com"
  signing_key: "secret"
queue:
  max_attempts: 3
  retry_delay: 100ms
storage:
  type: memory
log:
  level: debug
  format: json
endpoints:
  - name: bus-b
    base_uri: "http://bus-b.example.com"
    username: svc
    password: pw
subscriptions:
  - endpoint: bus-b
    topic: orders
    ttl: 1m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "http://bus-a.example.com", cfg.Bus.BaseURI)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Queue.RetryDelay)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Endpoints, 1)
	assert.Equal(t, "bus-b", cfg.Endpoints[0].Name)
	require.Len(t, cfg.Subscriptions, 1)
	assert.Equal(t, time.Minute, cfg.Subscriptions[0].TTL)

	// Untouched sections keep their defaults.
	assert.Equal(t, 4, cfg.Queue.Concurrency)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "Defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "Empty base URI",
			mutate:  func(c *Config) { c.Bus.BaseURI = "" },
			wantErr: "base_uri",
		},
		{
			name:    "Unknown storage type",
			mutate:  func(c *Config) { c.Storage.Type = "postgres" },
			wantErr: "storage.type",
		},
		{
			name: "Send rule references unknown endpoint",
			mutate: func(c *Config) {
				c.SendRules = []SendRuleConfig{{Prefix: "Order", Endpoints: []string{"ghost"}}}
			},
			wantErr: "unknown endpoint",
		},
		{
			name: "Duplicate endpoint names",
			mutate: func(c *Config) {
				c.Endpoints = []EndpointConfig{
					{Name: "a", BaseURI: "http://a"},
					{Name: "a", BaseURI: "http://b"},
				}
			},
			wantErr: "duplicate endpoint",
		},
		{
			name: "Subscription without topic",
			mutate: func(c *Config) {
				c.Endpoints = []EndpointConfig{{Name: "a", BaseURI: "http://a"}}
				c.Subscriptions = []SubscriptionRule{{Endpoint: "a"}}
			},
			wantErr: "no topic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
