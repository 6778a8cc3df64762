// Package events is the notification bus between the capture session and
// the rest of the application.
package events

import (
	"context"
	"encoding/json"
)

// Topics published by the capture session.
const (
	TopicDeviceChange  = "devicechange"
	TopicStreamCreated = "local-media-stream-created"
)

// Bus delivers fire-and-forget notifications to subscribers.
type Bus interface {
	// Emit publishes payload (JSON-encoded) on topic.
	Emit(ctx context.Context, topic string, payload any) error

	// Subscribe registers a handler for topic. The returned subscription
	// stops delivery when unsubscribed.
	Subscribe(ctx context.Context, topic string, handler func(payload []byte) error) (Subscription, error)

	Close() error
}

// Subscription is a handle over an active topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Encode marshals an event payload the way Emit does. Exposed for tests
// and for callers that pre-encode.
func Encode(payload any) ([]byte, error) {
	return json.Marshal(payload)
}

// Nop is a Bus that drops everything. Useful for tests and headless runs.
type Nop struct{}

func (Nop) Emit(ctx context.Context, topic string, payload any) error { return nil }

func (Nop) Subscribe(ctx context.Context, topic string, handler func([]byte) error) (Subscription, error) {
	return nopSubscription{}, nil
}

func (Nop) Close() error { return nil }

type nopSubscription struct{}

func (nopSubscription) Unsubscribe() error { return nil }
