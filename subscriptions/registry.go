// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriptions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Registry is the process-wide subscription service. The backing store is
// the source of truth; a read-through cache grouped by topic keeps
// GetSubscribers lock-free on the read path. Mutations take a per-topic
// lock and update store and cache together.
type Registry struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	topics sync.Map // topic -> *topicEntry
}

type topicEntry struct {
	mu   sync.Mutex
	subs atomic.Pointer[map[string]time.Time] // subscriber -> expiry, immutable snapshot
}

func newTopicEntry() *topicEntry {
	e := &topicEntry{}
	empty := map[string]time.Time{}
	e.subs.Store(&empty)
	return e
}

// NewRegistry creates a registry and warms the cache with a full scan of
// the backing store.
func NewRegistry(ctx context.Context, store Store, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:  store,
		logger: logger,
		now:    time.Now,
	}

	subs, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	for _, sub := range subs {
		entry := r.entry(sub.Topic)
		entry.mu.Lock()
		entry.replace(sub.Subscriber, sub.Expires)
		entry.mu.Unlock()
	}
	logger.Info("subscription_registry_loaded", "subscriptions", len(subs))
	return r, nil
}

// AddSubscription registers the subscriber on the topic, refreshing the
// expiry if already registered. A non-positive ttl means non-expiring.
func (r *Registry) AddSubscription(ctx context.Context, topic, subscriber string, ttl time.Duration) error {
	if topic == "" || subscriber == "" {
		return fmt.Errorf("topic and subscriber cannot be empty")
	}

	expires := farFuture
	if ttl > 0 {
		expires = r.now().Add(ttl).UTC()
	}
	sub := Subscription{Topic: topic, Subscriber: subscriber, Expires: expires}

	entry := r.entry(topic)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := r.store.Upsert(ctx, sub); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	entry.replace(subscriber, expires)
	return nil
}

// RemoveSubscription deletes the subscriber's registration on the topic.
func (r *Registry) RemoveSubscription(ctx context.Context, topic, subscriber string) error {
	entry := r.entry(topic)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := r.store.Delete(ctx, topic, subscriber); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	entry.remove(subscriber)
	return nil
}

// GetSubscribers returns the subscriber URIs whose registration on the
// topic has not expired. Expired rows may linger in storage; they are
// filtered here.
func (r *Registry) GetSubscribers(topic string) []string {
	v, ok := r.topics.Load(topic)
	if !ok {
		return nil
	}
	snapshot := *v.(*topicEntry).subs.Load()

	now := r.now()
	out := make([]string, 0, len(snapshot))
	for subscriber, expires := range snapshot {
		if expires.After(now) {
			out = append(out, subscriber)
		}
	}
	sort.Strings(out)
	return out
}

// Topics returns every topic with at least one unexpired subscriber.
func (r *Registry) Topics() []string {
	now := r.now()
	var out []string
	r.topics.Range(func(key, value any) bool {
		snapshot := *value.(*topicEntry).subs.Load()
		for _, expires := range snapshot {
			if expires.After(now) {
				out = append(out, key.(string))
				break
			}
		}
		return true
	})
	sort.Strings(out)
	return out
}

func (r *Registry) entry(topic string) *topicEntry {
	v, _ := r.topics.LoadOrStore(topic, newTopicEntry())
	return v.(*topicEntry)
}

// replace publishes a new snapshot with the subscriber set; callers hold mu.
func (e *topicEntry) replace(subscriber string, expires time.Time) {
	old := *e.subs.Load()
	next := make(map[string]time.Time, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[subscriber] = expires
	e.subs.Store(&next)
}

// remove publishes a new snapshot without the subscriber; callers hold mu.
func (e *topicEntry) remove(subscriber string) {
	old := *e.subs.Load()
	next := make(map[string]time.Time, len(old))
	for k, v := range old {
		if k != subscriber {
			next[k] = v
		}
	}
	e.subs.Store(&next)
}
