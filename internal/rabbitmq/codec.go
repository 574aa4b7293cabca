package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpkit/contracts"
)

// Publishing encodes msg into the amqp091 wire representation. An unset
// priority travels as 0, which amqp091 leaves off the wire. ClusterID has no
// amqp091 field (it is deprecated in 0-9-1) and is not transmitted.
func Publishing(msg *contracts.Message) amqp.Publishing {
	p := amqp.Publishing{
		Headers:         amqp.Table(msg.Headers),
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    msg.DeliveryMode,
		CorrelationId:   msg.CorrelationID,
		ReplyTo:         msg.ReplyTo,
		Expiration:      msg.ExpirationString(),
		MessageId:       msg.MessageID,
		Timestamp:       msg.Timestamp,
		Type:            msg.Type,
		UserId:          msg.UserID,
		AppId:           msg.AppID,
		Body:            msg.Body,
	}
	if msg.HasPriority() {
		p.Priority = msg.Priority
	}
	return p
}

// wireProperties is the property set shared by deliveries and returns.
type wireProperties struct {
	headers         amqp.Table
	contentType     string
	contentEncoding string
	deliveryMode    uint8
	priority        uint8
	correlationID   string
	replyTo         string
	expiration      string
	messageID       string
	timestamp       time.Time
	typ             string
	userID          string
	appID           string
	body            []byte
}

func decodeMessage(w wireProperties) *contracts.Message {
	msg := &contracts.Message{
		Properties: contracts.Properties{
			ContentType:     w.contentType,
			ContentEncoding: w.contentEncoding,
			DeliveryMode:    w.deliveryMode,
			Priority:        contracts.PriorityUnset,
			CorrelationID:   w.correlationID,
			ReplyTo:         w.replyTo,
			Expiration:      contracts.ParseExpiration(w.expiration),
			MessageID:       w.messageID,
			Timestamp:       w.timestamp,
			Type:            w.typ,
			UserID:          w.userID,
			AppID:           w.appID,
		},
		Body: w.body,
	}
	if w.priority != 0 {
		msg.Priority = w.priority
	}
	if len(w.headers) > 0 {
		msg.Headers = contracts.Table(w.headers)
	}
	return msg
}

// DecodeDelivery turns an amqp091 delivery received on channel id into an Envelope.
func DecodeDelivery(id uint16, d amqp.Delivery) *contracts.Envelope {
	msg := decodeMessage(wireProperties{
		headers:         d.Headers,
		contentType:     d.ContentType,
		contentEncoding: d.ContentEncoding,
		deliveryMode:    d.DeliveryMode,
		priority:        d.Priority,
		correlationID:   d.CorrelationId,
		replyTo:         d.ReplyTo,
		expiration:      d.Expiration,
		messageID:       d.MessageId,
		timestamp:       d.Timestamp,
		typ:             d.Type,
		userID:          d.UserId,
		appID:           d.AppId,
		body:            d.Body,
	})
	msg.Mandatory = false
	return &contracts.Envelope{
		Message:     msg,
		Channel:     id,
		ConsumerTag: d.ConsumerTag,
		DeliveryTag: d.DeliveryTag,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
	}
}

// DecodeReturn turns an amqp091 basic.return received on channel id into a Return.
func DecodeReturn(id uint16, r amqp.Return) *contracts.Return {
	msg := decodeMessage(wireProperties{
		headers:         r.Headers,
		contentType:     r.ContentType,
		contentEncoding: r.ContentEncoding,
		deliveryMode:    r.DeliveryMode,
		priority:        r.Priority,
		correlationID:   r.CorrelationId,
		replyTo:         r.ReplyTo,
		expiration:      r.Expiration,
		messageID:       r.MessageId,
		timestamp:       r.Timestamp,
		typ:             r.Type,
		userID:          r.UserId,
		appID:           r.AppId,
		body:            r.Body,
	})
	// Only mandatory or immediate publishes are ever returned.
	msg.Mandatory = true
	return &contracts.Return{
		Message:    msg,
		Channel:    id,
		ReplyCode:  int(r.ReplyCode),
		ReplyText:  r.ReplyText,
		Exchange:   r.Exchange,
		RoutingKey: r.RoutingKey,
	}
}
