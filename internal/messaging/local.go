package messaging

import (
	"fmt"
	"sync"
)

// LocalBus is an in-process Bus for single-instance deployments and tests.
// Publish invokes matching handlers synchronously on the caller's goroutine,
// so per-subscription order equals publish order.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[string]localSub // key -> subscription
}

type localSub struct {
	subject string
	handler func(data []byte)
}

// NewLocalBus returns an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]localSub)}
}

// Publish delivers data to every subscription on subject.
func (b *LocalBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	handlers := make([]func([]byte), 0, 2)
	for _, s := range b.subs {
		if s.subject == subject {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Subscribe registers handler under key.
func (b *LocalBus) Subscribe(key, subject string, handler func(data []byte)) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[key]; ok {
		return false, nil
	}
	b.subs[key] = localSub{subject: subject, handler: handler}
	return true, nil
}

// Unsubscribe removes the subscription registered under key.
func (b *LocalBus) Unsubscribe(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[key]; !ok {
		return fmt.Errorf("messaging: no subscription for key %s", key)
	}
	delete(b.subs, key)
	return nil
}

// Subscribed reports whether key has a live subscription.
func (b *LocalBus) Subscribed(key string) bool {
	b.mu.RLock()
	_, ok := b.subs[key]
	b.mu.RUnlock()
	return ok
}

// Close drops all subscriptions.
func (b *LocalBus) Close() {
	b.mu.Lock()
	b.subs = make(map[string]localSub)
	b.mu.Unlock()
}
