package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/amqpkit/contracts"
)

// Consumer is a Connection for single-purpose subscriber processes: subscribe
// to one or more queues, then Run until stopped.
type Consumer struct {
	*Connection
	channel *Channel
}

// SubscribeOption configures Subscribe
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	consumerTag   string
	prefetchCount int
	consume       []ConsumeOption
}

// WithConsumerTag sets the consumer tag; by default one is generated.
func WithConsumerTag(tag string) SubscribeOption {
	return func(c *subscribeConfig) {
		c.consumerTag = tag
	}
}

// WithPrefetchCount sets basic.qos on the subscription channel.
func WithPrefetchCount(count int) SubscribeOption {
	return func(c *subscribeConfig) {
		c.prefetchCount = count
	}
}

// WithConsumeOptions passes options through to basic.consume.
func WithConsumeOptions(options ...ConsumeOption) SubscribeOption {
	return func(c *subscribeConfig) {
		c.consume = append(c.consume, options...)
	}
}

// NewConsumer dials url and returns a Consumer.
func NewConsumer(ctx context.Context, url string, options ...ConnectionOption) (*Consumer, error) {
	conn, err := Dial(ctx, url, options...)
	if err != nil {
		return nil, err
	}
	return &Consumer{Connection: conn}, nil
}

// NewConsumerEndpoint dials endpoint and returns a Consumer.
func NewConsumerEndpoint(ctx context.Context, endpoint contracts.Endpoint, options ...ConnectionOption) (*Consumer, error) {
	conn, err := DialEndpoint(ctx, endpoint, options...)
	if err != nil {
		return nil, err
	}
	return &Consumer{Connection: conn}, nil
}

// Subscribe registers handler on queue. All subscriptions share one channel,
// created on first use. It returns the consumer tag.
func (c *Consumer) Subscribe(queue string, handler DeliveryHandler, options ...SubscribeOption) (string, error) {
	cfg := &subscribeConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	ch, err := c.subscriptionChannel()
	if err != nil {
		return "", err
	}
	if cfg.prefetchCount > 0 {
		if err := ch.BasicQos(cfg.prefetchCount, 0, false); err != nil {
			return "", fmt.Errorf("failed to set prefetch for %s: %w", queue, err)
		}
	}
	return ch.BasicConsume(queue, cfg.consumerTag, handler, cfg.consume...)
}

func (c *Consumer) subscriptionChannel() (*Channel, error) {
	if c.channel != nil && c.channel.IsValid() {
		return c.channel, nil
	}
	ch, err := c.CreateChannel()
	if err != nil {
		return nil, err
	}
	c.channel = ch
	return ch, nil
}

// SubscriptionChannel returns the channel subscriptions were registered on,
// or nil before the first Subscribe.
func (c *Consumer) SubscriptionChannel() *Channel {
	return c.channel
}

// Run consumes until Stop is called, ctx is cancelled or a receive fails.
// A stop or cancellation returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.StartConsuming(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
