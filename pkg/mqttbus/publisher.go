package mqttbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher sends JSON documents to a single topic with QoS 0.
type Publisher struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

func NewPublisher(client mqtt.Client, topic string) *Publisher {
	return &Publisher{client: client, topic: topic, timeout: 2 * time.Second}
}

// Publish encodes v and waits for the token at most until ctx is done or the
// publisher timeout elapses.
func (p *Publisher) Publish(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	token := p.client.Publish(p.topic, 0, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("publish to %s: timed out", p.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}

// Topic is where every event goes.
func (p *Publisher) Topic() string { return p.topic }
