package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// IPublisher publishes string payloads to arbitrary topics.
type IPublisher interface {
	PublishToQos(topic string, qos byte, retained bool, payload string) error
	Close()
}

// Publisher wraps a shared MQTT client.
type Publisher struct {
	client  mqtt.Client
	timeout time.Duration
}

var _ IPublisher = (*Publisher)(nil)

// NewPublisher creates a Publisher on the shared MQTT client.
func NewPublisher(client mqtt.Client) *Publisher {
	return &Publisher{client: client, timeout: 5 * time.Second}
}

// PublishToQos publishes payload and waits (bounded) for the broker ack.
func (p *Publisher) PublishToQos(topic string, qos byte, retained bool, payload string) error {
	if p == nil || p.client == nil {
		return errors.New("publisher not initialised")
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close gracefully closes the MQTT connection for the publisher
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
