// Package pubsub publishes run notices to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// TopicAttribute carries the logical topic, since one Pub/Sub topic serves
// every notice kind.
const TopicAttribute = "notice"

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) (*Publisher, error) {
	if publisher == nil {
		return nil, errors.New("pubsub publisher is required")
	}
	return &Publisher{publisher: publisher}, nil
}

// Publish marshals payload to JSON and waits for the server ID. Attributes
// of a watcher.Attributed payload and the trace context travel as message
// attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: Attributes(ctx, topic, payload)}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	p.publisher.Stop()
}

// Attributes builds the message attributes for payload.
func Attributes(ctx context.Context, topic string, payload any) map[string]string {
	attrs := map[string]string{TopicAttribute: topic}
	if a, ok := payload.(watcher.Attributed); ok {
		for k, v := range a.Attributes() {
			attrs[k] = v
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier(attrs))
	return attrs
}

// carrier implements propagation.TextMapCarrier over message attributes.
type carrier map[string]string

func (c carrier) Get(key string) string { return c[key] }

func (c carrier) Set(key, value string) { c[key] = value }

func (c carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
