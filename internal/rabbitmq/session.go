package rabbitmq

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpkit/contracts"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultFrameBuffer    = 256
	notifyBuffer          = 64
)

// Session implements contracts.Session on top of an amqp091 connection.
//
// amqp091 surfaces deliveries, returns, confirms and close notifications on
// separate Go channels per amqp channel. Session fans all of them into one
// frame queue so Receive behaves like a single blocking "next frame" read.
// Returns and confirms never block amqp091's reader goroutine.
type Session struct {
	conn   *amqp.Connection
	url    string
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[uint16]*amqp.Channel

	frames    *frameQueue
	done      chan struct{}
	closeOnce sync.Once
}

// SessionOption configures a Session
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	logger      *slog.Logger
	frameBuffer int
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SessionOption {
	return func(c *sessionConfig) {
		c.logger = logger
	}
}

// WithFrameBuffer sets how many inbound frames may queue before delivery
// forwarding blocks. Returns and confirms beyond it wait in an overflow.
func WithFrameBuffer(size int) SessionOption {
	return func(c *sessionConfig) {
		c.frameBuffer = size
	}
}

// NewDialer returns a contracts.Dialer that opens amqp091 sessions.
func NewDialer(options ...SessionOption) contracts.Dialer {
	return func(ctx context.Context, endpoint contracts.Endpoint) (contracts.Session, error) {
		s, err := Dial(ctx, endpoint, options...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Dial connects to the broker and logs in. It gives up when ctx is done or the
// endpoint's connect timeout elapses, whichever comes first.
func Dial(ctx context.Context, endpoint contracts.Endpoint, options ...SessionOption) (*Session, error) {
	cfg := &sessionConfig{
		logger:      slog.Default(),
		frameBuffer: defaultFrameBuffer,
	}
	for _, opt := range options {
		opt(cfg)
	}

	endpoint = endpoint.WithDefaults()
	timeout := endpoint.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	amqpConfig := amqp.Config{
		SASL:      []amqp.Authentication{&amqp.PlainAuth{Username: endpoint.Username, Password: endpoint.Password}},
		Vhost:     endpoint.VHost,
		FrameSize: endpoint.FrameMax,
		Heartbeat: endpoint.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	}
	if endpoint.TLS {
		amqpConfig.TLSClientConfig = &tls.Config{ServerName: endpoint.Host}
	}
	if endpoint.Name != "" {
		amqpConfig.Properties = amqp.Table{"connection_name": endpoint.Name}
	}

	url := URL(endpoint)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan dialResult, 1)

	go func() {
		conn, err := amqp.DialConfig(url, amqpConfig)
		results <- dialResult{conn: conn, err: err}
	}()

	var conn *amqp.Connection
	select {
	case res := <-results:
		if res.err != nil {
			return nil, classify("connect", res.err)
		}
		conn = res.conn

	case <-dialCtx.Done():
		// The dial goroutine may still succeed; do not leak that connection.
		go func() {
			if res := <-results; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, &contracts.LocalError{Op: "connect", Err: dialCtx.Err()}
	}

	done := make(chan struct{})
	s := &Session{
		conn:     conn,
		url:      SanitizeURL(url),
		logger:   cfg.logger,
		channels: make(map[uint16]*amqp.Channel),
		frames:   newFrameQueue(cfg.frameBuffer, done),
		done:     done,
	}

	go s.watchConnection(conn.NotifyClose(make(chan *amqp.Error, 1)))

	s.logger.Info("connected to RabbitMQ",
		"url", s.url,
		"channelMax", s.ChannelMax(),
		"frameMax", conn.Config.FrameSize)

	return s, nil
}

// ChannelMax implements contracts.Session
func (s *Session) ChannelMax() int {
	return int(s.conn.Config.ChannelMax)
}

// OpenChannel implements contracts.Session
func (s *Session) OpenChannel(id uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.channels[id]; exists {
		return &contracts.LocalError{Op: "channel.open", Err: fmt.Errorf("channel %d already open", id)}
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return classify("channel.open", err)
	}
	s.channels[id] = ch

	go s.watchChannel(id, ch.NotifyClose(make(chan *amqp.Error, 1)))
	go s.forwardReturns(id, ch.NotifyReturn(make(chan amqp.Return, notifyBuffer)))

	return nil
}

// CloseChannel implements contracts.Session
func (s *Session) CloseChannel(id uint16) error {
	s.mu.Lock()
	ch, ok := s.channels[id]
	delete(s.channels, id)
	s.mu.Unlock()

	if !ok {
		return &contracts.LocalError{Op: "channel.close", Err: contracts.ErrChannelNotOpen}
	}
	if ch.IsClosed() {
		return nil
	}
	return classify("channel.close", ch.Close())
}

// ExchangeDeclare implements contracts.Session
func (s *Session) ExchangeDeclare(id uint16, spec contracts.ExchangeSpec) error {
	ch, err := s.channel(id, "exchange.declare")
	if err != nil {
		return err
	}
	declare := ch.ExchangeDeclare
	if spec.Passive {
		declare = ch.ExchangeDeclarePassive
	}
	return classify("exchange.declare", declare(
		spec.Name,
		string(spec.Kind),
		spec.Durable,
		spec.AutoDelete,
		false, // internal
		false, // no-wait
		amqp.Table(spec.Arguments),
	))
}

// ExchangeDelete implements contracts.Session
func (s *Session) ExchangeDelete(id uint16, name string, ifUnused bool) error {
	ch, err := s.channel(id, "exchange.delete")
	if err != nil {
		return err
	}
	return classify("exchange.delete", ch.ExchangeDelete(name, ifUnused, false))
}

// ExchangeBind implements contracts.Session
func (s *Session) ExchangeBind(id uint16, destination, routingKey, source string) error {
	ch, err := s.channel(id, "exchange.bind")
	if err != nil {
		return err
	}
	return classify("exchange.bind", ch.ExchangeBind(destination, routingKey, source, false, nil))
}

// ExchangeUnbind implements contracts.Session
func (s *Session) ExchangeUnbind(id uint16, destination, routingKey, source string) error {
	ch, err := s.channel(id, "exchange.unbind")
	if err != nil {
		return err
	}
	return classify("exchange.unbind", ch.ExchangeUnbind(destination, routingKey, source, false, nil))
}

// QueueDeclare implements contracts.Session
func (s *Session) QueueDeclare(id uint16, spec contracts.QueueSpec) (contracts.QueueState, error) {
	ch, err := s.channel(id, "queue.declare")
	if err != nil {
		return contracts.QueueState{}, err
	}
	declare := ch.QueueDeclare
	if spec.Passive {
		declare = ch.QueueDeclarePassive
	}
	q, err := declare(
		spec.Name,
		spec.Durable,
		spec.AutoDelete,
		spec.Exclusive,
		false, // no-wait
		amqp.Table(spec.Arguments),
	)
	if err != nil {
		return contracts.QueueState{}, classify("queue.declare", err)
	}
	return contracts.QueueState{Name: q.Name, MessageCount: q.Messages, ConsumerCount: q.Consumers}, nil
}

// QueueBind implements contracts.Session
func (s *Session) QueueBind(id uint16, queue, routingKey, exchange string) error {
	ch, err := s.channel(id, "queue.bind")
	if err != nil {
		return err
	}
	return classify("queue.bind", ch.QueueBind(queue, routingKey, exchange, false, nil))
}

// QueueUnbind implements contracts.Session
func (s *Session) QueueUnbind(id uint16, queue, routingKey, exchange string) error {
	ch, err := s.channel(id, "queue.unbind")
	if err != nil {
		return err
	}
	return classify("queue.unbind", ch.QueueUnbind(queue, routingKey, exchange, nil))
}

// QueuePurge implements contracts.Session
func (s *Session) QueuePurge(id uint16, queue string) (int, error) {
	ch, err := s.channel(id, "queue.purge")
	if err != nil {
		return 0, err
	}
	n, err := ch.QueuePurge(queue, false)
	return n, classify("queue.purge", err)
}

// QueueDelete implements contracts.Session
func (s *Session) QueueDelete(id uint16, queue string, ifUnused, ifEmpty bool) (int, error) {
	ch, err := s.channel(id, "queue.delete")
	if err != nil {
		return 0, err
	}
	n, err := ch.QueueDelete(queue, ifUnused, ifEmpty, false)
	return n, classify("queue.delete", err)
}

// Publish implements contracts.Session
func (s *Session) Publish(ctx context.Context, id uint16, exchange, routingKey string, msg *contracts.Message) error {
	ch, err := s.channel(id, "basic.publish")
	if err != nil {
		return err
	}
	return classify("basic.publish", ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		msg.Mandatory,
		msg.Immediate,
		Publishing(msg),
	))
}

// Consume implements contracts.Session
func (s *Session) Consume(id uint16, spec contracts.ConsumeSpec) error {
	ch, err := s.channel(id, "basic.consume")
	if err != nil {
		return err
	}
	deliveries, err := ch.Consume(
		spec.Queue,
		spec.ConsumerTag,
		spec.NoAck,
		spec.Exclusive,
		spec.NoLocal,
		false, // no-wait
		amqp.Table(spec.Arguments),
	)
	if err != nil {
		return classify("basic.consume", err)
	}
	go s.forwardDeliveries(id, deliveries)
	return nil
}

// Cancel implements contracts.Session
func (s *Session) Cancel(id uint16, consumerTag string) error {
	ch, err := s.channel(id, "basic.cancel")
	if err != nil {
		return err
	}
	return classify("basic.cancel", ch.Cancel(consumerTag, false))
}

// Qos implements contracts.Session
func (s *Session) Qos(id uint16, prefetchCount, prefetchSize int, global bool) error {
	ch, err := s.channel(id, "basic.qos")
	if err != nil {
		return err
	}
	return classify("basic.qos", ch.Qos(prefetchCount, prefetchSize, global))
}

// Confirm implements contracts.Session
func (s *Session) Confirm(id uint16) error {
	ch, err := s.channel(id, "confirm.select")
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		return classify("confirm.select", err)
	}
	go s.forwardConfirms(id, ch.NotifyPublish(make(chan amqp.Confirmation, notifyBuffer)))
	return nil
}

// Ack implements contracts.Session
func (s *Session) Ack(id uint16, deliveryTag uint64, multiple bool) error {
	ch, err := s.channel(id, "basic.ack")
	if err != nil {
		return err
	}
	return classify("basic.ack", ch.Ack(deliveryTag, multiple))
}

// Reject implements contracts.Session
func (s *Session) Reject(id uint16, deliveryTag uint64, requeue bool) error {
	ch, err := s.channel(id, "basic.reject")
	if err != nil {
		return err
	}
	return classify("basic.reject", ch.Reject(deliveryTag, requeue))
}

// Receive implements contracts.Session
func (s *Session) Receive(ctx context.Context) (contracts.Frame, error) {
	select {
	case f := <-s.frames.out:
		return f, nil
	case <-ctx.Done():
		return contracts.Frame{}, ctx.Err()
	case <-s.done:
		return contracts.Frame{}, &contracts.LocalError{Op: "receive", Err: contracts.ErrSessionClosed}
	}
}

// Close implements contracts.Session
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn.IsClosed() {
			return
		}
		err = classify("connection.close", s.conn.Close())
		s.logger.Info("connection closed", "url", s.url)
	})
	return err
}

func (s *Session) channel(id uint16, op string) (*amqp.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[id]
	if !ok {
		return nil, &contracts.LocalError{Op: op, Err: contracts.ErrChannelNotOpen}
	}
	return ch, nil
}

// emit queues a frame for Receive, giving up once the session is closed.
func (s *Session) emit(f contracts.Frame) {
	s.frames.push(f)
}

func (s *Session) watchConnection(closes <-chan *amqp.Error) {
	err, ok := <-closes
	if !ok || err == nil {
		return
	}
	s.logger.Error("connection closed by broker", "url", s.url, "code", err.Code, "reason", err.Reason)

	f := contracts.Frame{Kind: contracts.FrameConnectionClose}
	if err.Server {
		be := brokerError(err)
		be.ConnectionScoped = true
		f.Err = be
	} else {
		f.Err = &contracts.LocalError{Op: "connection", Err: err}
	}
	s.emit(f)
}

func (s *Session) watchChannel(id uint16, closes <-chan *amqp.Error) {
	err, ok := <-closes
	if !ok || err == nil {
		return
	}
	// A dying connection closes every channel with its own error; that is
	// reported once through watchConnection.
	if s.conn.IsClosed() || connectionReplyCodes[err.Code] {
		return
	}
	s.logger.Warn("channel closed by broker", "channel", id, "code", err.Code, "reason", err.Reason)
	s.emit(contracts.Frame{Kind: contracts.FrameChannelClose, Channel: id, Err: classify("channel", err)})
}

func (s *Session) forwardDeliveries(id uint16, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		s.emit(contracts.Frame{Kind: contracts.FrameDelivery, Channel: id, Envelope: DecodeDelivery(id, d)})
	}
}

func (s *Session) forwardReturns(id uint16, returns <-chan amqp.Return) {
	for r := range returns {
		s.frames.offer(contracts.Frame{Kind: contracts.FrameReturn, Channel: id, Return: DecodeReturn(id, r)})
	}
}

func (s *Session) forwardConfirms(id uint16, confirms <-chan amqp.Confirmation) {
	for c := range confirms {
		s.frames.offer(contracts.Frame{
			Kind:    contracts.FrameConfirm,
			Channel: id,
			Confirm: &contracts.Confirmation{Channel: id, DeliveryTag: c.DeliveryTag, Ack: c.Ack},
		})
	}
}
