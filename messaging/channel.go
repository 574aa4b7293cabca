package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"

	"github.com/glimte/amqpkit/contracts"
)

// DeliveryHandler processes one delivery. Returning true acknowledges it.
type DeliveryHandler func(ctx context.Context, env *contracts.Envelope) bool

// UnsentMessageHandler is told about a message the broker returned as unroutable.
type UnsentMessageHandler func(ret *contracts.Return)

// ConfirmHandler receives publisher confirms once ConfirmSelect was called.
type ConfirmHandler func(confirm contracts.Confirmation)

// ConsumeOption configures a basic.consume registration
type ConsumeOption func(*contracts.ConsumeSpec)

// WithNoLocal asks the broker not to deliver messages published on this connection.
func WithNoLocal() ConsumeOption {
	return func(s *contracts.ConsumeSpec) { s.NoLocal = true }
}

// WithNoAck makes the broker consider deliveries acknowledged on send.
func WithNoAck() ConsumeOption {
	return func(s *contracts.ConsumeSpec) { s.NoAck = true }
}

// WithExclusive requests exclusive access to the queue.
func WithExclusive() ConsumeOption {
	return func(s *contracts.ConsumeSpec) { s.Exclusive = true }
}

// WithConsumeArguments sets broker-specific consume arguments.
func WithConsumeArguments(args contracts.Table) ConsumeOption {
	return func(s *contracts.ConsumeSpec) { s.Arguments = args }
}

type consumer struct {
	queue   string
	handler DeliveryHandler
	noAck   bool
}

// Channel is one numbered sub-session of a Connection. A channel is valid
// from creation until a fatal broker reply or its destruction; every
// operation on an invalid channel fails without protocol traffic.
//
// The channel keeps only a weak reference to its Connection. Operations
// after the Connection was collected or closed fail with ErrConnectionGone
// or ErrConnectionClosed.
type Channel struct {
	id     uint16
	conn   weak.Pointer[Connection]
	logger *slog.Logger

	valid  atomic.Bool
	closed atomic.Bool

	mu         sync.RWMutex
	consumers  map[string]*consumer
	unsent     []UnsentMessageHandler
	confirms   []ConfirmHandler
	confirming bool
}

func newChannel(conn *Connection, id uint16, logger *slog.Logger) *Channel {
	ch := &Channel{
		id:        id,
		conn:      weak.Make(conn),
		logger:    logger.With("channel", id),
		consumers: make(map[string]*consumer),
	}
	ch.valid.Store(true)
	return ch
}

// ID returns the channel number
func (ch *Channel) ID() uint16 {
	return ch.id
}

// IsValid reports whether the channel still accepts operations.
func (ch *Channel) IsValid() bool {
	return ch.valid.Load()
}

// IsClosed reports whether the channel was destroyed.
func (ch *Channel) IsClosed() bool {
	return ch.closed.Load()
}

// Connection returns the owning connection, or nil once it is gone.
func (ch *Channel) Connection() *Connection {
	return ch.conn.Value()
}

// Close destroys the channel through its connection.
func (ch *Channel) Close() error {
	if conn := ch.conn.Value(); conn != nil {
		return conn.DestroyChannel(ch)
	}
	ch.markClosed()
	return nil
}

func (ch *Channel) invalidate() {
	if ch.valid.CompareAndSwap(true, false) {
		ch.logger.Warn("channel invalidated")
	}
}

func (ch *Channel) markClosed() {
	ch.valid.Store(false)
	ch.closed.Store(true)
}

// close sends channel.close if the channel is still valid, then marks it
// destroyed.
func (ch *Channel) close(session contracts.Session) error {
	if ch.closed.Swap(true) {
		return nil
	}
	wasValid := ch.valid.Swap(false)
	if !wasValid {
		ch.logger.Debug("channel destroyed without close, already invalid")
		return nil
	}
	if err := session.CloseChannel(ch.id); err != nil {
		ch.logger.Warn("error closing channel", "error", err)
		return &ChannelError{Op: "close", ChannelID: ch.id, Err: err, Timestamp: time.Now()}
	}
	ch.logger.Debug("channel closed")
	return nil
}

// session returns the protocol session after the validity checks.
func (ch *Channel) session(op string) (contracts.Session, error) {
	if !ch.valid.Load() {
		ch.logger.Warn("operation on invalid channel", "op", op)
		return nil, &ChannelError{Op: op, ChannelID: ch.id, Err: ErrChannelInvalid, Timestamp: time.Now()}
	}
	conn := ch.conn.Value()
	if conn == nil {
		return nil, &ChannelError{Op: op, ChannelID: ch.id, Err: ErrConnectionGone, Timestamp: time.Now()}
	}
	if conn.IsClosed() {
		return nil, &ChannelError{Op: op, ChannelID: ch.id, Err: ErrConnectionClosed, Timestamp: time.Now()}
	}
	return conn.session, nil
}

// fail wraps a reply error. When fatal is set a broker exception invalidates
// the channel, because the broker has already closed it.
func (ch *Channel) fail(op string, fatal bool, err error) error {
	chanErr := &ChannelError{Op: op, ChannelID: ch.id, Err: err, Timestamp: time.Now()}
	if be, ok := contracts.AsBrokerError(err); ok {
		ch.logger.Error("broker rejected operation", "op", op, "code", be.Code, "reason", be.Reason)
		if fatal || be.ConnectionScoped {
			ch.invalidate()
			chanErr.Invalidated = true
		}
		return chanErr
	}
	ch.logger.Error("operation failed", "op", op, "error", err)
	return chanErr
}

func (ch *Channel) call(op string, fatal bool, fn func(s contracts.Session) error) error {
	s, err := ch.session(op)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return ch.fail(op, fatal, err)
	}
	return nil
}

// ExchangeExists checks for an exchange with a passive declare. A missing
// exchange makes the broker close the channel, which surfaces on the next
// receive; callers should probe on a channel they are prepared to lose.
func (ch *Channel) ExchangeExists(name string) (bool, error) {
	err := ch.call("exchange.declare-passive", false, func(s contracts.Session) error {
		return s.ExchangeDeclare(ch.id, contracts.ExchangeSpec{Name: name, Passive: true})
	})
	if err == nil {
		return true, nil
	}
	if be, ok := contracts.AsBrokerError(err); ok && !be.ConnectionScoped {
		return false, nil
	}
	return false, err
}

// DeclareExchange declares an exchange and returns a handle bound to this channel.
func (ch *Channel) DeclareExchange(name string, kind contracts.ExchangeKind, durable, autoDelete bool) (*Exchange, error) {
	if !kind.Valid() {
		return nil, &TopologyError{Component: "exchange", Name: name, Op: "declare", Err: ErrInvalidExchangeKind, Timestamp: time.Now()}
	}
	spec := contracts.ExchangeSpec{Name: name, Kind: kind, Durable: durable, AutoDelete: autoDelete}
	err := ch.call("exchange.declare", false, func(s contracts.Session) error {
		return s.ExchangeDeclare(ch.id, spec)
	})
	if err != nil {
		return nil, &TopologyError{Component: "exchange", Name: name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	ch.logger.Debug("exchange declared", "exchange", name, "kind", string(kind), "durable", durable)
	return newExchange(ch, name, kind), nil
}

// DeleteExchange deletes an exchange, only if unused when ifUnused is set.
func (ch *Channel) DeleteExchange(name string, ifUnused bool) error {
	return ch.call("exchange.delete", false, func(s contracts.Session) error {
		return s.ExchangeDelete(ch.id, name, ifUnused)
	})
}

// BindExchange routes messages from source to destination.
func (ch *Channel) BindExchange(destination, routingKey, source string) error {
	return ch.call("exchange.bind", true, func(s contracts.Session) error {
		return s.ExchangeBind(ch.id, destination, routingKey, source)
	})
}

// UnbindExchange removes an exchange-to-exchange binding
func (ch *Channel) UnbindExchange(destination, routingKey, source string) error {
	return ch.call("exchange.unbind", true, func(s contracts.Session) error {
		return s.ExchangeUnbind(ch.id, destination, routingKey, source)
	})
}

// DeclareQueue declares a queue. An empty name asks the broker to generate
// one; the returned handle carries the broker's name and counts.
func (ch *Channel) DeclareQueue(name string, durable, exclusive, autoDelete bool) (*Queue, error) {
	spec := contracts.QueueSpec{Name: name, Durable: durable, Exclusive: exclusive, AutoDelete: autoDelete}
	var state contracts.QueueState
	err := ch.call("queue.declare", false, func(s contracts.Session) error {
		var err error
		state, err = s.QueueDeclare(ch.id, spec)
		return err
	})
	if err != nil {
		return nil, &TopologyError{Component: "queue", Name: name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	if state.Name == "" {
		state.Name = name
	}
	ch.logger.Debug("queue declared", "queue", state.Name, "messages", state.MessageCount, "consumers", state.ConsumerCount)
	return newQueue(ch, state), nil
}

// DeleteQueue deletes a queue and returns the number of messages it held.
func (ch *Channel) DeleteQueue(name string, ifUnused, ifEmpty bool) (int, error) {
	var purged int
	err := ch.call("queue.delete", false, func(s contracts.Session) error {
		var err error
		purged, err = s.QueueDelete(ch.id, name, ifUnused, ifEmpty)
		return err
	})
	return purged, err
}

// PurgeQueue drops every ready message and returns how many were removed.
func (ch *Channel) PurgeQueue(name string) (int, error) {
	var purged int
	err := ch.call("queue.purge", false, func(s contracts.Session) error {
		var err error
		purged, err = s.QueuePurge(ch.id, name)
		return err
	})
	return purged, err
}

// BindQueue routes messages matching routingKey from exchange to queue.
func (ch *Channel) BindQueue(queue, exchange, routingKey string) error {
	err := ch.call("queue.bind", true, func(s contracts.Session) error {
		return s.QueueBind(ch.id, queue, routingKey, exchange)
	})
	if err != nil {
		return &TopologyError{Component: "binding", Name: queue + "<-" + exchange, Op: "bind", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// UnbindQueue removes a queue binding
func (ch *Channel) UnbindQueue(queue, exchange, routingKey string) error {
	err := ch.call("queue.unbind", true, func(s contracts.Session) error {
		return s.QueueUnbind(ch.id, queue, routingKey, exchange)
	})
	if err != nil {
		return &TopologyError{Component: "binding", Name: queue + "<-" + exchange, Op: "unbind", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// BasicPublish publishes msg to exchange with routingKey. An unroutable
// mandatory message comes back through the unsent message handlers.
func (ch *Channel) BasicPublish(ctx context.Context, exchange, routingKey string, msg *contracts.Message) error {
	if msg == nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: fmt.Errorf("%w: nil message", ErrInvalidConfiguration), Timestamp: time.Now()}
	}
	err := ch.call("basic.publish", false, func(s contracts.Session) error {
		return s.Publish(ctx, ch.id, exchange, routingKey, msg)
	})
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Mandatory: msg.Mandatory, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// BasicConsume registers handler for deliveries from queue and returns the
// consumer tag. An empty tag is replaced by a generated one. A tag already
// registered on this channel is rejected without contacting the broker.
func (ch *Channel) BasicConsume(queue, consumerTag string, handler DeliveryHandler, options ...ConsumeOption) (string, error) {
	if handler == nil {
		return "", &ConsumerError{Queue: queue, ConsumerTag: consumerTag, Op: "consume", Err: ErrNilHandler, Timestamp: time.Now()}
	}
	s, err := ch.session("basic.consume")
	if err != nil {
		return "", &ConsumerError{Queue: queue, ConsumerTag: consumerTag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.New().String()
	}
	spec := contracts.ConsumeSpec{Queue: queue, ConsumerTag: consumerTag}
	for _, opt := range options {
		opt(&spec)
	}

	ch.mu.Lock()
	if _, exists := ch.consumers[consumerTag]; exists {
		ch.mu.Unlock()
		ch.logger.Warn("consumer tag already registered", "consumerTag", consumerTag, "queue", queue)
		return "", &ConsumerError{Queue: queue, ConsumerTag: consumerTag, Op: "consume", Err: ErrConsumerTagInUse, Timestamp: time.Now()}
	}
	ch.consumers[consumerTag] = &consumer{queue: queue, handler: handler, noAck: spec.NoAck}
	ch.mu.Unlock()

	if err := s.Consume(ch.id, spec); err != nil {
		ch.mu.Lock()
		delete(ch.consumers, consumerTag)
		ch.mu.Unlock()
		return "", &ConsumerError{Queue: queue, ConsumerTag: consumerTag, Op: "consume", Err: ch.fail("basic.consume", true, err), Timestamp: time.Now()}
	}

	ch.logger.Info("consumer registered", "queue", queue, "consumerTag", consumerTag)
	return consumerTag, nil
}

// BasicCancel stops the consumer with consumerTag.
func (ch *Channel) BasicCancel(consumerTag string) error {
	ch.mu.Lock()
	c, ok := ch.consumers[consumerTag]
	delete(ch.consumers, consumerTag)
	ch.mu.Unlock()
	if !ok {
		return &ConsumerError{ConsumerTag: consumerTag, Op: "cancel", Err: ErrUnknownConsumer, Timestamp: time.Now()}
	}

	err := ch.call("basic.cancel", false, func(s contracts.Session) error {
		return s.Cancel(ch.id, consumerTag)
	})
	if err != nil {
		return &ConsumerError{Queue: c.queue, ConsumerTag: consumerTag, Op: "cancel", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// ConsumerTags returns the registered consumer tags
func (ch *Channel) ConsumerTags() []string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	tags := make([]string, 0, len(ch.consumers))
	for tag := range ch.consumers {
		tags = append(tags, tag)
	}
	return tags
}

// BasicQos limits unacknowledged deliveries on this channel.
func (ch *Channel) BasicQos(prefetchCount, prefetchSize int, global bool) error {
	return ch.call("basic.qos", true, func(s contracts.Session) error {
		return s.Qos(ch.id, prefetchCount, prefetchSize, global)
	})
}

// BasicAck acknowledges deliveryTag, and every earlier tag when multiple is set.
func (ch *Channel) BasicAck(deliveryTag uint64, multiple bool) error {
	return ch.call("basic.ack", false, func(s contracts.Session) error {
		return s.Ack(ch.id, deliveryTag, multiple)
	})
}

// BasicReject rejects deliveryTag, requeueing it when requeue is set.
func (ch *Channel) BasicReject(deliveryTag uint64, requeue bool) error {
	return ch.call("basic.reject", false, func(s contracts.Session) error {
		return s.Reject(ch.id, deliveryTag, requeue)
	})
}

// ConfirmSelect puts the channel into publisher confirm mode.
func (ch *Channel) ConfirmSelect() error {
	err := ch.call("confirm.select", false, func(s contracts.Session) error {
		return s.Confirm(ch.id)
	})
	if err == nil {
		ch.mu.Lock()
		ch.confirming = true
		ch.mu.Unlock()
	}
	return err
}

// IsConfirming reports whether ConfirmSelect succeeded on this channel.
func (ch *Channel) IsConfirming() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.confirming
}

// AddUnsentMessageHandler registers h for returned messages. Handlers run in
// registration order.
func (ch *Channel) AddUnsentMessageHandler(h UnsentMessageHandler) {
	if h == nil {
		return
	}
	ch.mu.Lock()
	ch.unsent = append(ch.unsent, h)
	ch.mu.Unlock()
}

// OnConfirm registers h for publisher confirms.
func (ch *Channel) OnConfirm(h ConfirmHandler) {
	if h == nil {
		return
	}
	ch.mu.Lock()
	ch.confirms = append(ch.confirms, h)
	ch.mu.Unlock()
}

// onEnvelopeReceived runs the consumer registered for the envelope's tag and
// acknowledges the delivery if and only if it returns true. It reports
// whether the handler accepted the delivery.
func (ch *Channel) onEnvelopeReceived(ctx context.Context, env *contracts.Envelope) (bool, error) {
	if env == nil {
		return false, nil
	}

	ch.mu.RLock()
	c, ok := ch.consumers[env.ConsumerTag]
	ch.mu.RUnlock()
	if !ok {
		ch.logger.Warn("delivery for unknown consumer", "consumerTag", env.ConsumerTag, "deliveryTag", env.DeliveryTag)
		return false, nil
	}

	if !c.handler(ctx, env) {
		ch.logger.Debug("delivery not accepted", "consumerTag", env.ConsumerTag, "deliveryTag", env.DeliveryTag)
		return false, nil
	}
	if c.noAck {
		return true, nil
	}
	if err := ch.BasicAck(env.DeliveryTag, false); err != nil {
		return true, &ConsumerError{Queue: c.queue, ConsumerTag: env.ConsumerTag, Op: "ack", Err: err, Timestamp: time.Now()}
	}
	return true, nil
}

func (ch *Channel) onUnsentMessage(ret *contracts.Return) {
	if ret == nil {
		return
	}
	ch.mu.RLock()
	handlers := append([]UnsentMessageHandler(nil), ch.unsent...)
	ch.mu.RUnlock()

	if len(handlers) == 0 {
		ch.logger.Warn("message returned with no handler",
			"exchange", ret.Exchange, "routingKey", ret.RoutingKey, "replyCode", ret.ReplyCode, "replyText", ret.ReplyText)
		return
	}
	for _, h := range handlers {
		h(ret)
	}
}

func (ch *Channel) onConfirm(confirm *contracts.Confirmation) {
	if confirm == nil {
		return
	}
	ch.mu.RLock()
	handlers := append([]ConfirmHandler(nil), ch.confirms...)
	ch.mu.RUnlock()

	if !confirm.Ack {
		ch.logger.Warn("publish nacked by broker", "deliveryTag", confirm.DeliveryTag)
	}
	for _, h := range handlers {
		h(*confirm)
	}
}
