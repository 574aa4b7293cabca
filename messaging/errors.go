package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/amqpkit/contracts"
)

var (
	// Connection errors
	ErrConnectionClosed  = errors.New("amqp: connection is closed")
	ErrConnectionGone    = errors.New("amqp: connection no longer exists")
	ErrReceiveTimeout    = errors.New("amqp: receive timed out")
	ErrChannelMaxReached = errors.New("amqp: channel limit reached")
	ErrUnexpectedFrame   = errors.New("amqp: unexpected frame")

	// Channel errors
	ErrChannelInvalid = errors.New("amqp: channel is invalid")
	ErrChannelGone    = errors.New("amqp: channel no longer exists")

	// Consumer errors
	ErrConsumerTagInUse = errors.New("amqp: consumer tag already registered on channel")
	ErrUnknownConsumer  = errors.New("amqp: consumer tag not registered on channel")
	ErrNilHandler       = errors.New("amqp: handler cannot be nil")

	// Topology errors
	ErrInvalidExchangeKind = errors.New("amqp: exchange type must be direct, fanout or topic")

	// General errors
	ErrInvalidConfiguration = errors.New("amqp: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("amqp connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID uint16    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	// Invalidated is set when the failure moved the channel to the invalid state.
	Invalidated bool
}

func (e *ChannelError) Error() string {
	if e.Invalidated {
		return fmt.Sprintf("amqp channel error: %s on channel %d (channel invalidated): %v", e.Op, e.ChannelID, e.Err)
	}
	return fmt.Sprintf("amqp channel error: %s on channel %d: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Mandatory  bool      // Whether mandatory flag was set
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("amqp publish error: failed to publish to %s/%s (mandatory=%v): %v",
		e.Exchange, e.RoutingKey, e.Mandatory, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("amqp consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("amqp topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsChannelInvalidated reports whether err moved a channel to the invalid state.
func IsChannelInvalidated(err error) bool {
	var chanErr *ChannelError
	for errors.As(err, &chanErr) {
		if chanErr.Invalidated {
			return true
		}
		err = chanErr.Err
	}
	return errors.Is(err, ErrChannelInvalid)
}

// IsRetryable determines if an error is retryable on the same connection
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, ErrInvalidExchangeKind),
		errors.Is(err, ErrConsumerTagInUse),
		errors.Is(err, ErrNilHandler),
		errors.Is(err, context.Canceled):
		return false
	}

	// A dead channel or connection needs a new one, not a retry
	if IsChannelInvalidated(err) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrConnectionGone) ||
		errors.Is(err, ErrChannelGone) {
		return false
	}
	if be, ok := contracts.AsBrokerError(err); ok && be.ConnectionScoped {
		return false
	}

	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}
