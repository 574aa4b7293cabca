package messaging

import (
	"context"
	"time"
	"weak"

	"github.com/glimte/amqpkit/contracts"
)

// Exchange is a handle to a declared exchange. It refers to its channel
// weakly; once the channel is destroyed every operation fails with
// ErrChannelGone.
type Exchange struct {
	name    string
	kind    contracts.ExchangeKind
	channel weak.Pointer[Channel]
}

func newExchange(ch *Channel, name string, kind contracts.ExchangeKind) *Exchange {
	return &Exchange{name: name, kind: kind, channel: weak.Make(ch)}
}

// Name returns the exchange name
func (e *Exchange) Name() string {
	return e.name
}

// Kind returns the exchange type
func (e *Exchange) Kind() contracts.ExchangeKind {
	return e.kind
}

// Channel returns the channel the exchange was declared on, or nil once it is gone.
func (e *Exchange) Channel() *Channel {
	ch := e.channel.Value()
	if ch == nil || ch.IsClosed() {
		return nil
	}
	return ch
}

func (e *Exchange) resolve(op string) (*Channel, error) {
	ch := e.Channel()
	if ch == nil {
		return nil, &TopologyError{Component: "exchange", Name: e.name, Op: op, Err: ErrChannelGone, Timestamp: time.Now()}
	}
	return ch, nil
}

// BasicPublish publishes msg through this exchange.
func (e *Exchange) BasicPublish(ctx context.Context, routingKey string, msg *contracts.Message) error {
	ch, err := e.resolve("publish")
	if err != nil {
		return err
	}
	return ch.BasicPublish(ctx, e.name, routingKey, msg)
}

// Bind routes messages matching routingKey from source into this exchange.
func (e *Exchange) Bind(source, routingKey string) error {
	ch, err := e.resolve("bind")
	if err != nil {
		return err
	}
	return ch.BindExchange(e.name, routingKey, source)
}

// Unbind removes a binding created with Bind.
func (e *Exchange) Unbind(source, routingKey string) error {
	ch, err := e.resolve("unbind")
	if err != nil {
		return err
	}
	return ch.UnbindExchange(e.name, routingKey, source)
}

// Remove deletes the exchange from the broker.
func (e *Exchange) Remove(ifUnused bool) error {
	ch, err := e.resolve("delete")
	if err != nil {
		return err
	}
	return ch.DeleteExchange(e.name, ifUnused)
}
