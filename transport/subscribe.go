// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/absmach/platibus/events"
)

// renewalFloor is the minimum interval between subscription renewals.
const renewalFloor = 5 * time.Second

// Subscribe registers this bus as a subscriber of the topic on the named
// publisher endpoint and keeps the registration alive until the context is
// cancelled. A zero ttl registers once, non-expiring, and returns.
//
// Transient failures (unresolvable name, refused connection, missing
// resource, server errors) are retried after the retry interval, as are
// 401 and 422 responses; any other 4xx status terminates the loop and emits
// SubscriptionFailed. Cancellation is not an error.
func (t *Transport) Subscribe(ctx context.Context, endpointName, topic string, ttl time.Duration) error {
	ep, ok := t.endpoints.Get(endpointName)
	if !ok {
		t.emitter.Emit(ctx, events.EndpointNotFound{Endpoint: endpointName})
		return &Error{Class: ClassEndpointNotFound, Err: fmt.Errorf("endpoint %q is not configured", endpointName)}
	}

	renewalInterval := ttl / 2
	if renewalInterval < t.renewalFloor {
		renewalInterval = t.renewalFloor
	}

	for {
		err := t.sendSubscriptionRequest(ctx, ep, topic, ttl)
		switch {
		case err == nil:
			t.emitter.Emit(ctx, events.SubscriptionRenewed{Topic: topic, Endpoint: ep.Name})
			if t.metrics != nil {
				t.metrics.SubscriptionRenewal(ctx, topic)
			}
			if ttl == 0 {
				return nil
			}
			if !t.sleep(ctx, renewalInterval) {
				return nil
			}

		case ctx.Err() != nil:
			return nil

		default:
			class, _ := ClassOf(err)
			if fatalForSubscribe(class) {
				t.emitter.Emit(ctx, events.SubscriptionFailed{Topic: topic, Endpoint: ep.Name, Error: err.Error()})
				t.logger.Error("subscription_failed", "topic", topic, "endpoint", ep.Name, "error", err)
				return err
			}
			t.logger.Warn("subscription_retry", "topic", topic, "endpoint", ep.Name, "error", err)
			if !t.sleep(ctx, t.retryInterval) {
				return nil
			}
		}
	}
}

// Unsubscribe removes this bus's registration on the publisher.
func (t *Transport) Unsubscribe(ctx context.Context, endpointName, topic string) error {
	ep, ok := t.endpoints.Get(endpointName)
	if !ok {
		return &Error{Class: ClassEndpointNotFound, Err: fmt.Errorf("endpoint %q is not configured", endpointName)}
	}
	return t.subscriberRequest(ctx, ep, topic, http.MethodDelete, 0)
}

// sendSubscriptionRequest POSTs one subscription registration.
func (t *Transport) sendSubscriptionRequest(ctx context.Context, ep Endpoint, topic string, ttl time.Duration) error {
	return t.subscriberRequest(ctx, ep, topic, http.MethodPost, ttl)
}

func (t *Transport) subscriberRequest(ctx context.Context, ep Endpoint, topic string, method string, ttl time.Duration) error {
	target := ep.BaseURI + "/topic/" + url.PathEscape(topic) + "/subscriber"
	q := url.Values{"uri": {t.baseURI}}
	if method == http.MethodPost && ttl > 0 {
		q.Set("ttl", strconv.Itoa(int(ttl.Seconds())))
	}
	target += "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return &Error{Class: ClassInvalidRequest, Destination: ep.BaseURI, Err: err}
	}

	resp, err := t.pool.do(ep.BaseURI, ep.Credentials, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &Error{Class: classifyStatus(resp.StatusCode), Destination: ep.BaseURI, Status: resp.StatusCode}
}

// sleep waits for the duration, reporting false if the context was
// cancelled first.
func (t *Transport) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
