package rabbitmq

import (
	"context"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Handler processes one message received on topic.
type Handler func(topic string, message mqtt.Message) error

// IConsumer subscribes and dispatches to a handler until ctx is done.
type IConsumer interface {
	ConsumeMessage(ctx context.Context)
	SetHandler(handler Handler)
}

// Consumer holds the client and the topic filter to subscribe to.
type Consumer struct {
	client  mqtt.Client
	handler Handler
	topic   string
	log     *zap.Logger
}

var _ IConsumer = (*Consumer)(nil)

// NewConsumer creates a new Consumer instance using the shared MQTT client and topic
func NewConsumer(client mqtt.Client, topic string, handler Handler, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		client:  client,
		topic:   topic,
		handler: handler,
		log:     log.With(zap.String("topic", topic)),
	}
}

func (c *Consumer) SetHandler(handler Handler) {
	c.handler = handler
}

// le richieste di allocazione sono QoS1 (possibili redelivery -> dedup a valle)
func qosFor(topic string) byte {
	t := strings.TrimSpace(topic)
	if strings.HasPrefix(t, "village/allocation/request") {
		return 1
	}
	return 0
}

// ConsumeMessage subscribes to the topic and processes messages using the handler
// It blocks until the context is cancelled.
func (c *Consumer) ConsumeMessage(ctx context.Context) {
	token := c.client.Subscribe(
		c.topic,
		qosFor(c.topic),
		func(_ mqtt.Client, message mqtt.Message) {
			if c.handler == nil {
				c.log.Warn("no handler set")
				return
			}
			if err := c.handler(message.Topic(), message); err != nil {
				c.log.Warn("error handling message", zap.Error(err))
			}
		},
	)

	if token.Wait() && token.Error() != nil {
		c.log.Error("subscribe failed", zap.Error(token.Error()))
		return
	}
	c.log.Info("subscribed")

	// Block here until context is done
	<-ctx.Done()

	// Unsubscribe when exiting to clean up
	unsubToken := c.client.Unsubscribe(c.topic)
	unsubToken.Wait()
}
