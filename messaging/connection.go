package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/amqpkit/contracts"
	"github.com/glimte/amqpkit/internal/rabbitmq"
)

const (
	// DefaultWaitTimeout bounds a single ConsumeOne call.
	DefaultWaitTimeout = time.Second

	// maxChannelID is the protocol limit when the broker negotiates no lower one.
	maxChannelID = 65535
)

// Connection is one logged-in broker session. It owns its channels, hands out
// sequential channel ids and runs the receive loop that dispatches inbound
// frames to them.
//
// Channel management and Stop are safe for concurrent use. ConsumeOne and
// StartConsuming must only be called from one goroutine at a time.
type Connection struct {
	session     contracts.Session
	url         string
	logger      *slog.Logger
	waitTimeout time.Duration

	mu       sync.RWMutex
	lastID   int
	channels map[uint16]*Channel

	stopped   atomic.Bool
	lost      atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// ConnectionOption configures a Connection
type ConnectionOption func(*connectionConfig)

type connectionConfig struct {
	dialer         contracts.Dialer
	logger         *slog.Logger
	waitTimeout    time.Duration
	heartbeat      time.Duration
	connectTimeout time.Duration
	name           string
}

// WithDialer replaces the amqp091 session dialer, mainly for tests.
func WithDialer(dialer contracts.Dialer) ConnectionOption {
	return func(c *connectionConfig) {
		c.dialer = dialer
	}
}

// WithLogger sets the logger used by the connection and its channels
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *connectionConfig) {
		c.logger = logger
	}
}

// WithWaitTimeout sets how long ConsumeOne waits for a frame.
func WithWaitTimeout(timeout time.Duration) ConnectionOption {
	return func(c *connectionConfig) {
		c.waitTimeout = timeout
	}
}

// WithHeartbeat sets the requested heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(c *connectionConfig) {
		c.heartbeat = interval
	}
}

// WithConnectTimeout bounds the transport dial and login.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(c *connectionConfig) {
		c.connectTimeout = timeout
	}
}

// WithConnectionName advertises name to the broker.
func WithConnectionName(name string) ConnectionOption {
	return func(c *connectionConfig) {
		c.name = name
	}
}

func newConnectionConfig(options []ConnectionOption) *connectionConfig {
	cfg := &connectionConfig{
		logger:      slog.Default(),
		waitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.dialer == nil {
		cfg.dialer = rabbitmq.NewDialer(rabbitmq.WithLogger(cfg.logger))
	}
	return cfg
}

// Dial opens a Connection to the broker at an amqp:// or amqps:// URL.
func Dial(ctx context.Context, url string, options ...ConnectionOption) (*Connection, error) {
	endpoint, err := rabbitmq.ParseURL(url)
	if err != nil {
		return nil, &ConnectionError{
			Op:        "parse",
			URL:       rabbitmq.SanitizeURL(url),
			Err:       fmt.Errorf("%w: %v", ErrInvalidConfiguration, err),
			Timestamp: time.Now(),
		}
	}
	return DialEndpoint(ctx, endpoint, options...)
}

// DialEndpoint opens a Connection to endpoint. Unset endpoint fields take the
// defaults: 127.0.0.1:5672, vhost "/", guest/guest, frame max 131072.
func DialEndpoint(ctx context.Context, endpoint contracts.Endpoint, options ...ConnectionOption) (*Connection, error) {
	cfg := newConnectionConfig(options)
	if cfg.waitTimeout <= 0 {
		return nil, fmt.Errorf("%w: wait timeout must be positive", ErrInvalidConfiguration)
	}

	endpoint = endpoint.WithDefaults()
	if cfg.heartbeat > 0 {
		endpoint.Heartbeat = cfg.heartbeat
	}
	if cfg.connectTimeout > 0 {
		endpoint.ConnectTimeout = cfg.connectTimeout
	}
	if cfg.name != "" {
		endpoint.Name = cfg.name
	}

	url := rabbitmq.SanitizeURL(rabbitmq.URL(endpoint))
	cfg.logger.Info("connecting to broker", "url", url)

	session, err := cfg.dialer(ctx, endpoint)
	if err != nil {
		cfg.logger.Error("failed to connect to broker", "url", url, "error", err)
		return nil, &ConnectionError{Op: "connect", URL: url, Err: err, Timestamp: time.Now()}
	}

	cfg.logger.Info("connected to broker", "url", url, "channelMax", session.ChannelMax())
	return &Connection{
		session:     session,
		url:         url,
		logger:      cfg.logger.With("url", url),
		waitTimeout: cfg.waitTimeout,
		channels:    make(map[uint16]*Channel),
	}, nil
}

// URL returns the sanitized broker URL
func (c *Connection) URL() string {
	return c.url
}

// WaitTimeout returns the ConsumeOne wait bound.
func (c *Connection) WaitTimeout() time.Duration {
	return c.waitTimeout
}

// ChannelMax returns the highest channel id this connection may hand out.
func (c *Connection) ChannelMax() int {
	limit := c.session.ChannelMax()
	if limit <= 0 || limit > maxChannelID {
		return maxChannelID
	}
	return limit
}

// CreateChannel opens a new channel with the next sequential id. Ids start at 1
// and are never reused within a connection.
func (c *Connection) CreateChannel() (*Channel, error) {
	if c.closed.Load() || c.lost.Load() {
		return nil, &ChannelError{Op: "open", Err: ErrConnectionClosed, Timestamp: time.Now()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastID >= c.ChannelMax() {
		c.logger.Error("channel limit reached", "channelMax", c.ChannelMax())
		return nil, &ChannelError{Op: "open", Err: ErrChannelMaxReached, Timestamp: time.Now()}
	}
	c.lastID++
	id := uint16(c.lastID)

	if err := c.session.OpenChannel(id); err != nil {
		c.logger.Error("failed to open channel", "channel", id, "error", err)
		return nil, &ChannelError{Op: "open", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	ch := newChannel(c, id, c.logger)
	c.channels[id] = ch
	c.logger.Debug("channel opened", "channel", id)
	return ch, nil
}

// DestroyChannel closes ch and removes it from the connection. Destroying an
// already closed channel is a no-op.
func (c *Connection) DestroyChannel(ch *Channel) error {
	if ch == nil {
		return nil
	}

	c.mu.Lock()
	if registered, ok := c.channels[ch.id]; ok && registered == ch {
		delete(c.channels, ch.id)
	}
	c.mu.Unlock()

	return ch.close(c.session)
}

// Channel returns the open channel with id, or nil.
func (c *Connection) Channel(id uint16) *Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[id]
}

// Channels returns the open channels ordered by id.
func (c *Connection) Channels() []*Channel {
	c.mu.RLock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.RUnlock()

	sort.Slice(channels, func(i, j int) bool { return channels[i].id < channels[j].id })
	return channels
}

// ConsumeOne waits at most the wait timeout for one inbound frame and
// dispatches it to its channel. It returns ErrReceiveTimeout when nothing
// arrived, and an error wrapping the broker's reason when a channel or the
// connection was closed under it.
func (c *Connection) ConsumeOne(ctx context.Context) error {
	if c.closed.Load() || c.lost.Load() {
		return &ConnectionError{Op: "receive", URL: c.url, Err: ErrConnectionClosed, Timestamp: time.Now()}
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()

	frame, err := c.session.Receive(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrReceiveTimeout
		}
		c.logger.Error("receive failed", "error", err)
		c.markLost()
		return &ConnectionError{Op: "receive", URL: c.url, Err: err, Timestamp: time.Now()}
	}

	return c.dispatch(ctx, frame)
}

func (c *Connection) dispatch(ctx context.Context, frame contracts.Frame) error {
	if frame.Kind == contracts.FrameConnectionClose {
		c.logger.Error("connection closed by broker", "error", frame.Err)
		c.markLost()
		return &ConnectionError{Op: "receive", URL: c.url, Err: closeReason(frame.Err, ErrConnectionClosed), Timestamp: time.Now()}
	}

	// Ids are never reused, so a frame for an unregistered id was queued
	// before its channel was destroyed.
	ch := c.Channel(frame.Channel)
	if ch == nil {
		c.logger.Debug("dropping frame for destroyed channel", "channel", frame.Channel, "frame", frame.Kind.String())
		return nil
	}

	switch frame.Kind {
	case contracts.FrameDelivery:
		_, err := ch.onEnvelopeReceived(ctx, frame.Envelope)
		return err

	case contracts.FrameReturn:
		ch.onUnsentMessage(frame.Return)
		return nil

	case contracts.FrameConfirm:
		ch.onConfirm(frame.Confirm)
		return nil

	case contracts.FrameChannelClose:
		ch.invalidate()
		c.logger.Error("channel closed by broker", "channel", ch.id, "error", frame.Err)
		return &ChannelError{
			Op:          "receive",
			ChannelID:   ch.id,
			Err:         closeReason(frame.Err, ErrChannelInvalid),
			Invalidated: true,
			Timestamp:   time.Now(),
		}

	default:
		c.logger.Warn("unexpected frame", "channel", ch.id, "frame", frame.Kind.String())
		return &ChannelError{Op: "receive", ChannelID: ch.id, Err: ErrUnexpectedFrame, Timestamp: time.Now()}
	}
}

func closeReason(err, fallback error) error {
	if err == nil {
		return fallback
	}
	return err
}

// markLost stops the loop and invalidates every channel after the session died.
func (c *Connection) markLost() {
	c.lost.Store(true)
	c.stopped.Store(true)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.channels {
		ch.invalidate()
	}
}

// StartConsuming runs ConsumeOne until Stop is called, ctx is done or a
// receive fails. Timeouts only give Stop a chance to be observed. Stop does
// not interrupt a receive already in progress, so shutdown can take up to the
// wait timeout.
func (c *Connection) StartConsuming(ctx context.Context) error {
	c.logger.Info("consume loop started")
	defer c.logger.Info("consume loop stopped")

	for !c.stopped.Load() {
		if err := c.ConsumeOne(ctx); err != nil && !errors.Is(err, ErrReceiveTimeout) {
			return err
		}
	}
	return nil
}

// Stop asks a running StartConsuming loop to exit after its current receive.
func (c *Connection) Stop() {
	c.stopped.Store(true)
}

// IsStopped reports whether Stop was called or the session was lost.
func (c *Connection) IsStopped() bool {
	return c.stopped.Load()
}

// IsClosed reports whether the connection can no longer be used.
func (c *Connection) IsClosed() bool {
	return c.closed.Load() || c.lost.Load()
}

// Close closes every channel and the underlying session. Outstanding Exchange
// and Queue handles fail cleanly afterwards.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.stopped.Store(true)
		c.closed.Store(true)

		c.mu.Lock()
		channels := c.channels
		c.channels = make(map[uint16]*Channel)
		c.mu.Unlock()

		for _, ch := range channels {
			ch.markClosed()
		}

		c.closeErr = c.session.Close()
		if c.closeErr != nil {
			c.logger.Warn("error closing session", "error", c.closeErr)
		} else {
			c.logger.Info("connection closed")
		}
	})
	return c.closeErr
}
