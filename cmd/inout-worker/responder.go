package main

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/glimte/amqpkit/contracts"
)

// echoResponder answers every delivery with a copy of its body. The
// response goes to the delivery's reply-to, or to the incoming routing key
// plus replySuffix when none is set.
type echoResponder struct {
	// push queues a response; set before the worker starts.
	push        func(routingKey string, msg *contracts.Message) error
	replySuffix string
	logger      *slog.Logger
}

// Handle is the worker's receive callback. A delivery whose response cannot
// be queued is left unacknowledged.
func (r *echoResponder) Handle(ctx context.Context, env *contracts.Envelope) bool {
	if env.Message == nil {
		return true
	}
	in := env.Message

	routingKey := in.ReplyTo
	if routingKey == "" {
		routingKey = env.RoutingKey + r.replySuffix
	}

	correlationID := in.CorrelationID
	if correlationID == "" {
		correlationID = in.MessageID
	}

	out := contracts.NewMessage(append([]byte(nil), in.Body...),
		contracts.WithContentType(in.ContentType),
		contracts.WithMessageID(uuid.NewString()),
		contracts.WithCorrelationID(correlationID),
		contracts.WithMandatory(false),
	)

	if err := r.push(routingKey, out); err != nil {
		r.logger.Warn("failed to queue response", "routingKey", routingKey, "error", err)
		return false
	}
	r.logger.Debug("response queued", "routingKey", routingKey, "correlationId", correlationID)
	return true
}
