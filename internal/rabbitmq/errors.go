package rabbitmq

import (
	"errors"
	"net/url"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpkit/contracts"
)

// Connection-level reply codes from the 0-9-1 spec. A server exception with one
// of these closes the whole connection rather than a single channel.
var connectionReplyCodes = map[int]bool{
	amqp.ConnectionForced: true,
	amqp.InvalidPath:      true,
	amqp.FrameError:       true,
	amqp.SyntaxError:      true,
	amqp.CommandInvalid:   true,
	amqp.ChannelError:     true,
	amqp.UnexpectedFrame:  true,
	amqp.ResourceError:    true,
	amqp.NotAllowed:       true,
	amqp.NotImplemented:   true,
	amqp.InternalError:    true,
}

// classify maps an amqp091 error onto the reply taxonomy: nil stays nil, a
// server-initiated *amqp.Error becomes a *contracts.BrokerError, anything else
// a *contracts.LocalError for op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *amqp.Error
	if errors.As(err, &ae) && ae.Server {
		return brokerError(ae)
	}
	if errors.Is(err, amqp.ErrClosed) {
		err = contracts.ErrSessionClosed
	}
	return &contracts.LocalError{Op: op, Err: err}
}

func brokerError(ae *amqp.Error) *contracts.BrokerError {
	return &contracts.BrokerError{
		Code:             ae.Code,
		Reason:           ae.Reason,
		ConnectionScoped: connectionReplyCodes[ae.Code],
	}
}

// SanitizeURL removes the password from a connection URL so it can be logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
