package contracts

import (
	"context"
	"fmt"
	"time"
)

// Connection defaults
const (
	DefaultHost     = "127.0.0.1"
	DefaultPort     = 5672
	DefaultVHost    = "/"
	DefaultFrameMax = 131072
)

// Endpoint holds everything needed to open and log in to a broker session.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string
	FrameMax int
	TLS      bool

	// Heartbeat is the requested heartbeat interval; zero lets the broker decide.
	Heartbeat time.Duration
	// ConnectTimeout bounds the TCP dial and login.
	ConnectTimeout time.Duration
	// Name is advertised to the broker as the connection name.
	Name string
}

// WithDefaults fills unset fields with the documented defaults.
func (e Endpoint) WithDefaults() Endpoint {
	if e.Host == "" {
		e.Host = DefaultHost
	}
	if e.Port == 0 {
		e.Port = DefaultPort
	}
	if e.VHost == "" {
		e.VHost = DefaultVHost
	}
	if e.FrameMax == 0 {
		e.FrameMax = DefaultFrameMax
	}
	if e.Username == "" && e.Password == "" {
		e.Username, e.Password = "guest", "guest"
	}
	return e
}

// Address returns host:port
func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Dialer opens a Session, performing transport connect and login.
type Dialer func(ctx context.Context, endpoint Endpoint) (Session, error)

// ExchangeKind is the routing type of an exchange.
type ExchangeKind string

const (
	ExchangeDirect ExchangeKind = "direct"
	ExchangeFanout ExchangeKind = "fanout"
	ExchangeTopic  ExchangeKind = "topic"
)

// Valid reports whether k is one of the supported kinds.
func (k ExchangeKind) Valid() bool {
	switch k {
	case ExchangeDirect, ExchangeFanout, ExchangeTopic:
		return true
	}
	return false
}

// ExchangeSpec describes an exchange declaration.
type ExchangeSpec struct {
	Name       string
	Kind       ExchangeKind
	Durable    bool
	AutoDelete bool
	// Passive only checks for existence and never creates.
	Passive   bool
	Arguments Table
}

// QueueSpec describes a queue declaration.
type QueueSpec struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Passive    bool
	Arguments  Table
}

// QueueState is the broker's answer to a queue declaration.
type QueueState struct {
	Name          string
	MessageCount  int
	ConsumerCount int
}

// ConsumeSpec describes a basic.consume registration.
type ConsumeSpec struct {
	Queue       string
	ConsumerTag string
	NoLocal     bool
	NoAck       bool
	Exclusive   bool
	Arguments   Table
}

// Session is the protocol engine behind a Connection: one logged-in transport
// session with numbered sub-channels. Every method except Receive issues
// protocol traffic and reports the broker reply as an error (nil, *LocalError
// or *BrokerError).
//
// Receive is the blocking "next inbound frame" primitive. It returns when a
// frame is available or ctx is done, in which case it returns ctx.Err().
type Session interface {
	// ChannelMax is the negotiated channel limit; 0 means no limit below 65535.
	ChannelMax() int

	OpenChannel(id uint16) error
	CloseChannel(id uint16) error

	ExchangeDeclare(id uint16, spec ExchangeSpec) error
	ExchangeDelete(id uint16, name string, ifUnused bool) error
	ExchangeBind(id uint16, destination, routingKey, source string) error
	ExchangeUnbind(id uint16, destination, routingKey, source string) error

	QueueDeclare(id uint16, spec QueueSpec) (QueueState, error)
	QueueBind(id uint16, queue, routingKey, exchange string) error
	QueueUnbind(id uint16, queue, routingKey, exchange string) error
	QueuePurge(id uint16, queue string) (int, error)
	QueueDelete(id uint16, queue string, ifUnused, ifEmpty bool) (int, error)

	Publish(ctx context.Context, id uint16, exchange, routingKey string, msg *Message) error
	Consume(id uint16, spec ConsumeSpec) error
	Cancel(id uint16, consumerTag string) error
	Qos(id uint16, prefetchCount, prefetchSize int, global bool) error
	Confirm(id uint16) error
	Ack(id uint16, deliveryTag uint64, multiple bool) error
	Reject(id uint16, deliveryTag uint64, requeue bool) error

	Receive(ctx context.Context) (Frame, error)

	Close() error
}
