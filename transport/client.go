// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// clientPool pools HTTP clients per (base URI, credentials) and keeps one
// circuit breaker per destination. A pooled client may serve multiple
// concurrent requests.
type clientPool struct {
	timeout time.Duration

	mu       sync.Mutex
	clients  map[clientKey]*http.Client
	breakers map[string]*gobreaker.CircuitBreaker
}

type clientKey struct {
	baseURI  string
	username string
	password string
}

func newClientPool(timeout time.Duration) *clientPool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &clientPool{
		timeout:  timeout,
		clients:  make(map[clientKey]*http.Client),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (p *clientPool) client(baseURI string, creds *Credentials) *http.Client {
	key := clientKey{baseURI: baseURI}
	if creds != nil {
		key.username = creds.Username
		key.password = creds.Password
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[key]; ok {
		return c
	}
	c := &http.Client{Timeout: p.timeout}
	p.clients[key] = c
	return c
}

// breaker returns the circuit breaker guarding the destination. The breaker
// opens after five consecutive transport-level failures and probes again
// after thirty seconds.
func (p *clientPool) breaker(baseURI string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[baseURI]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    baseURI,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	p.breakers[baseURI] = cb
	return cb
}

// do executes the request through the destination's circuit breaker. Only
// transport-level failures (network errors and 5xx responses) count toward
// tripping; semantic statuses pass through untouched.
func (p *clientPool) do(baseURI string, creds *Credentials, req *http.Request) (*http.Response, error) {
	if creds != nil {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	client := p.client(baseURI, creds)
	cb := p.breaker(baseURI)

	v, err := cb.Execute(func() (any, error) {
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errServerStatus
		}
		return resp, nil
	})
	if err != nil && !errors.Is(err, errServerStatus) {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Class: ClassTransportFailure, Destination: baseURI, Err: err}
		}
		return nil, &Error{Class: classifyNetErr(err), Destination: baseURI, Err: err}
	}
	return v.(*http.Response), nil
}

// errServerStatus marks a 5xx response inside the breaker so it counts as
// a failure while still handing the response back to the caller.
var errServerStatus = errors.New("server status")
