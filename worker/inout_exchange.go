package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/amqpkit/contracts"
	"github.com/glimte/amqpkit/internal/rabbitmq"
	"github.com/glimte/amqpkit/internal/reliability"
	"github.com/glimte/amqpkit/messaging"
	"github.com/glimte/amqpkit/metrics"
)

// Defaults for InOutExchange
const (
	DefaultRetryInterval    = 5 * time.Second
	DefaultOutboundCapacity = 4096
)

var (
	// Response queue errors
	ErrOutboundFull  = errors.New("worker: outbound response queue is full")
	ErrWorkerStopped = errors.New("worker: stopped")
)

// State is the connection state of an InOutExchange
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Response is a message waiting to be published through the worker's exchange.
type Response struct {
	RoutingKey string
	Message    *contracts.Message
}

// InOutExchange consumes one queue bound to one exchange and publishes
// responses back through that exchange, reconnecting whenever the broker
// goes away.
//
// Inbound deliveries and outbound responses are handled on the worker
// goroutine, one after the other: each iteration waits for at most one
// delivery and then publishes at most one queued response. Broker failures
// never reach the caller; they are logged and retried after the retry
// interval.
type InOutExchange struct {
	*Thread

	url          string
	exchangeName string
	routingKey   string
	queueName    string
	consumerTag  string
	callback     messaging.DeliveryHandler

	exchangeKind contracts.ExchangeKind
	durable      bool
	prefetch     int
	waitTimeout  time.Duration
	capacity     int
	logger       *slog.Logger
	metrics      *metrics.Collector
	connOptions  []messaging.ConnectionOption
	retry        *reliability.FixedDelay

	responses   chan Response
	outstanding atomic.Int64
	stopped     atomic.Bool
	state       atomic.Int32

	// Owned by the worker goroutine
	conn          *messaging.Connection
	channel       *messaging.Channel
	exchange      *messaging.Exchange
	queue         *messaging.Queue
	pending       *Response
	everConnected bool
}

// Option configures an InOutExchange
type Option func(*InOutExchange)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *InOutExchange) {
		w.logger = logger
	}
}

// WithWaitTimeout bounds each receive, and so how often the stop flag and
// the outbound queue are looked at.
func WithWaitTimeout(timeout time.Duration) Option {
	return func(w *InOutExchange) {
		w.waitTimeout = timeout
	}
}

// WithRetryInterval sets the fixed delay between reconnect attempts.
func WithRetryInterval(interval time.Duration) Option {
	return func(w *InOutExchange) {
		w.retry.SetDelay(interval)
	}
}

// WithExchangeKind sets the exchange type; the default is direct.
func WithExchangeKind(kind contracts.ExchangeKind) Option {
	return func(w *InOutExchange) {
		w.exchangeKind = kind
	}
}

// WithDurable declares the exchange and queue durable.
func WithDurable(durable bool) Option {
	return func(w *InOutExchange) {
		w.durable = durable
	}
}

// WithPrefetch sets basic.qos on every new channel.
func WithPrefetch(count int) Option {
	return func(w *InOutExchange) {
		w.prefetch = count
	}
}

// WithOutboundCapacity bounds the number of queued responses.
func WithOutboundCapacity(capacity int) Option {
	return func(w *InOutExchange) {
		w.capacity = capacity
	}
}

// WithMetrics records worker activity in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(w *InOutExchange) {
		w.metrics = c
	}
}

// WithConnectionOptions passes options to every Connection the worker opens.
func WithConnectionOptions(options ...messaging.ConnectionOption) Option {
	return func(w *InOutExchange) {
		w.connOptions = append(w.connOptions, options...)
	}
}

// NewInOutExchange creates a stopped worker. Call Start to run it.
func NewInOutExchange(brokerURL, exchangeName, routingKey, queueName, consumerTag string, callback messaging.DeliveryHandler, options ...Option) (*InOutExchange, error) {
	w := &InOutExchange{
		url:          brokerURL,
		exchangeName: exchangeName,
		routingKey:   routingKey,
		queueName:    queueName,
		consumerTag:  consumerTag,
		callback:     callback,
		exchangeKind: contracts.ExchangeDirect,
		waitTimeout:  messaging.DefaultWaitTimeout,
		capacity:     DefaultOutboundCapacity,
		logger:       slog.Default(),
		retry:        reliability.NewFixedDelay(DefaultRetryInterval, 0),
	}
	for _, opt := range options {
		opt(w)
	}

	switch {
	case exchangeName == "":
		return nil, fmt.Errorf("%w: exchange name is required", messaging.ErrInvalidConfiguration)
	case callback == nil:
		return nil, fmt.Errorf("%w: receive callback is required", messaging.ErrInvalidConfiguration)
	case !w.exchangeKind.Valid():
		return nil, fmt.Errorf("%w: %q", messaging.ErrInvalidExchangeKind, w.exchangeKind)
	case w.capacity <= 0:
		return nil, fmt.Errorf("%w: outbound capacity must be positive", messaging.ErrInvalidConfiguration)
	case w.waitTimeout <= 0:
		return nil, fmt.Errorf("%w: wait timeout must be positive", messaging.ErrInvalidConfiguration)
	case w.retry.Delay() < 0:
		return nil, fmt.Errorf("%w: retry interval must not be negative", messaging.ErrInvalidConfiguration)
	}
	if _, err := rabbitmq.ParseURL(brokerURL); err != nil {
		return nil, fmt.Errorf("%w: %v", messaging.ErrInvalidConfiguration, err)
	}

	w.logger = w.logger.With("exchange", exchangeName, "queue", queueName)
	w.responses = make(chan Response, w.capacity)
	w.Thread = NewThread("inout-exchange:"+queueName, w.Run, w.requestStop, w.logger)
	return w, nil
}

// PushResponse queues msg for publishing with routingKey. It never waits
// for the broker and fails with ErrOutboundFull when the queue is full.
// Safe for concurrent use.
func (w *InOutExchange) PushResponse(routingKey string, msg *contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", messaging.ErrInvalidConfiguration)
	}
	if w.stopped.Load() {
		return ErrWorkerStopped
	}

	depth := w.outstanding.Add(1)
	select {
	case w.responses <- Response{RoutingKey: routingKey, Message: msg}:
		if w.metrics != nil {
			w.metrics.ResponsesQueued.Inc()
			w.metrics.OutboundDepth.Set(float64(depth))
		}
		return nil
	default:
		w.outstanding.Add(-1)
		w.logger.Warn("outbound queue full, response rejected", "routingKey", routingKey, "capacity", w.capacity)
		return ErrOutboundFull
	}
}

// SetConnectionRetryInterval changes the delay between reconnect attempts.
// It takes effect from the next wait.
func (w *InOutExchange) SetConnectionRetryInterval(interval time.Duration) {
	w.retry.SetDelay(interval)
}

// RetryInterval returns the current delay between reconnect attempts
func (w *InOutExchange) RetryInterval() time.Duration {
	return w.retry.Delay()
}

// State reports the connection state
func (w *InOutExchange) State() State {
	return State(w.state.Load())
}

// Pending returns the number of responses not yet handed to the broker.
func (w *InOutExchange) Pending() int {
	return int(w.outstanding.Load())
}

// IsStopped reports whether Stop was called
func (w *InOutExchange) IsStopped() bool {
	return w.stopped.Load()
}

func (w *InOutExchange) requestStop() {
	if !w.stopped.Swap(true) {
		w.logger.Info("stop requested")
	}
}

func (w *InOutExchange) setState(s State) {
	w.state.Store(int32(s))
	if w.metrics != nil {
		w.metrics.WorkerState.Set(float64(s))
	}
}

// Run is the worker loop. Start runs it on its own goroutine; it may also
// be called directly. It returns nil once Stop was called or ctx is done.
// Stop is observed between receives and never interrupts one.
func (w *InOutExchange) Run(ctx context.Context) error {
	defer w.discard()

	for !w.stopped.Load() {
		if ctx.Err() != nil {
			return nil
		}

		exchange, err := w.getValidExchange(ctx)
		if err != nil {
			delay := w.retry.NextDelay(0)
			w.logger.Warn("broker unavailable, retrying", "retryIn", delay, "error", err)
			if err := reliability.Sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		}

		if err := w.conn.ConsumeOne(ctx); err != nil && !errors.Is(err, messaging.ErrReceiveTimeout) {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("receive failed", "error", err)
			if w.metrics != nil {
				w.metrics.ChannelFailures.Inc()
			}
			continue
		}

		w.publishPending(ctx, exchange)
	}
	return nil
}

// connectToBroker replaces any current connection with a new one carrying
// the full topology and the consumer.
func (w *InOutExchange) connectToBroker(ctx context.Context) error {
	w.discard()
	w.setState(StateConnecting)

	err := w.connect(ctx)
	if err != nil {
		w.discard()
		w.setState(StateDisconnected)
		if w.metrics != nil {
			w.metrics.ConnectAttempts.WithLabelValues(metrics.ResultFailure).Inc()
		}
		w.logger.Error("failed to connect to broker", "error", err)
		return err
	}

	w.setState(StateConnected)
	if w.metrics != nil {
		w.metrics.ConnectAttempts.WithLabelValues(metrics.ResultSuccess).Inc()
		if w.everConnected {
			w.metrics.Reconnects.Inc()
		}
	}
	w.everConnected = true
	w.logger.Info("connected to broker", "routingKey", w.routingKey, "channel", w.channel.ID())
	return nil
}

func (w *InOutExchange) connect(ctx context.Context) error {
	options := append([]messaging.ConnectionOption{
		messaging.WithLogger(w.logger),
		messaging.WithWaitTimeout(w.waitTimeout),
	}, w.connOptions...)

	conn, err := messaging.Dial(ctx, w.url, options...)
	if err != nil {
		return err
	}
	w.conn = conn

	ch, err := conn.CreateChannel()
	if err != nil {
		return err
	}
	w.channel = ch
	ch.AddUnsentMessageHandler(w.onReturned)

	if w.prefetch > 0 {
		if err := ch.BasicQos(w.prefetch, 0, false); err != nil {
			return err
		}
	}

	exchange, err := ch.DeclareExchange(w.exchangeName, w.exchangeKind, w.durable, false)
	if err != nil {
		return err
	}
	w.exchange = exchange

	queue, err := ch.DeclareQueue(w.queueName, w.durable, false, false)
	if err != nil {
		return err
	}
	w.queue = queue

	if err := queue.Bind(exchange.Name(), w.routingKey); err != nil {
		return err
	}
	if _, err := queue.Consume(w.consumerTag, w.receive); err != nil {
		return err
	}
	return nil
}

// verifyConnection reconnects unless a valid channel on a live connection
// is held.
func (w *InOutExchange) verifyConnection(ctx context.Context) error {
	if w.channel != nil && w.channel.IsValid() && !w.conn.IsClosed() {
		return nil
	}
	return w.connectToBroker(ctx)
}

// getValidExchange re-declares the exchange, reconnecting and retrying
// once if that fails, and re-binds the queue to it.
func (w *InOutExchange) getValidExchange(ctx context.Context) (*messaging.Exchange, error) {
	if err := w.verifyConnection(ctx); err != nil {
		return nil, err
	}

	exchange, err := w.channel.DeclareExchange(w.exchangeName, w.exchangeKind, w.durable, false)
	if err != nil {
		w.logger.Warn("exchange declare failed, reconnecting", "error", err)
		if err := w.connectToBroker(ctx); err != nil {
			return nil, err
		}
		exchange, err = w.channel.DeclareExchange(w.exchangeName, w.exchangeKind, w.durable, false)
		if err != nil {
			return nil, err
		}
	}

	if err := w.queue.Bind(exchange.Name(), w.routingKey); err != nil {
		return nil, err
	}
	w.exchange = exchange
	return exchange, nil
}

// publishPending publishes at most one response. A response that fails to
// publish is kept and tried again first on the next call.
func (w *InOutExchange) publishPending(ctx context.Context, exchange *messaging.Exchange) {
	if w.pending == nil {
		select {
		case r := <-w.responses:
			w.pending = &r
		default:
			return
		}
	}

	if err := exchange.BasicPublish(ctx, w.pending.RoutingKey, w.pending.Message); err != nil {
		w.logger.Warn("failed to publish response, will retry", "routingKey", w.pending.RoutingKey, "error", err)
		if w.metrics != nil {
			w.metrics.ResponsesFailed.Inc()
		}
		return
	}

	w.logger.Debug("response published", "routingKey", w.pending.RoutingKey)
	w.pending = nil
	depth := w.outstanding.Add(-1)
	if w.metrics != nil {
		w.metrics.ResponsesPublished.Inc()
		w.metrics.OutboundDepth.Set(float64(depth))
	}
}

func (w *InOutExchange) receive(ctx context.Context, env *contracts.Envelope) bool {
	if w.metrics != nil {
		w.metrics.DeliveriesReceived.Inc()
	}
	accepted := w.callback(ctx, env)
	if accepted && w.metrics != nil {
		w.metrics.DeliveriesAcked.Inc()
	}
	return accepted
}

func (w *InOutExchange) onReturned(ret *contracts.Return) {
	w.logger.Warn("response returned as unroutable",
		"routingKey", ret.RoutingKey, "replyCode", ret.ReplyCode, "replyText", ret.ReplyText)
	if w.metrics != nil {
		w.metrics.MessagesReturned.Inc()
	}
}

// discard drops the current connection and every handle derived from it.
func (w *InOutExchange) discard() {
	if w.conn != nil {
		if err := w.conn.Close(); err != nil {
			w.logger.Debug("error closing previous connection", "error", err)
		}
	}
	w.conn, w.channel, w.exchange, w.queue = nil, nil, nil, nil
	w.setState(StateDisconnected)
}
