package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by a Session that has been closed or lost.
	ErrSessionClosed = errors.New("amqp: session closed")
	// ErrChannelNotOpen is returned for operations on a channel id the session does not know.
	ErrChannelNotOpen = errors.New("amqp: channel not open")
)

// BrokerError is a failure the broker reported by closing a channel or the
// connection (a server exception). Reason is the broker's reply text.
type BrokerError struct {
	Code   int
	Reason string
	// ConnectionScoped is set when the broker closed the whole connection.
	ConnectionScoped bool
}

func (e *BrokerError) Error() string {
	scope := "channel"
	if e.ConnectionScoped {
		scope = "connection"
	}
	return fmt.Sprintf("broker closed %s: %d %s", scope, e.Code, e.Reason)
}

// LocalError is a failure that never reached the broker or was detected by
// the client library: timeouts, allocation failures, TCP or TLS errors.
type LocalError struct {
	Op  string
	Err error
}

func (e *LocalError) Error() string {
	return fmt.Sprintf("amqp %s: %v", e.Op, e.Err)
}

func (e *LocalError) Unwrap() error {
	return e.Err
}

// AsBrokerError extracts a BrokerError from err's chain.
func AsBrokerError(err error) (*BrokerError, bool) {
	var be *BrokerError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsBrokerError reports whether err is a server exception.
func IsBrokerError(err error) bool {
	_, ok := AsBrokerError(err)
	return ok
}
