package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqpkit/contracts"
)

// deliver mimics what the broker hands back for a publishing.
func deliver(p amqp.Publishing) amqp.Delivery {
	return amqp.Delivery{
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		Body:            p.Body,
		ConsumerTag:     "ctag-1",
		DeliveryTag:     42,
		Redelivered:     true,
		Exchange:        "orders",
		RoutingKey:      "new",
	}
}

func TestCodecRoundTrip(t *testing.T) {
	t.Run("set properties survive the wire", func(t *testing.T) {
		msg := contracts.NewMessage([]byte(`{"id":1}`),
			contracts.WithContentType("application/json"),
			contracts.WithPriority(7),
			contracts.WithCorrelationID("abc-1"),
			contracts.WithExpiration(60000*time.Millisecond),
		)

		p := Publishing(msg)
		assert.Equal(t, "60000", p.Expiration)
		assert.Equal(t, uint8(7), p.Priority)

		env := DecodeDelivery(3, deliver(p))
		require.NotNil(t, env.Message)

		got := env.Message
		assert.Equal(t, "application/json", got.ContentType)
		assert.Equal(t, uint8(7), got.Priority)
		assert.Equal(t, "abc-1", got.CorrelationID)
		assert.Equal(t, 60*time.Second, got.Expiration)
		assert.Equal(t, []byte(`{"id":1}`), got.Body)
	})

	t.Run("explicit zero priority reads back as unset", func(t *testing.T) {
		msg := contracts.NewMessage([]byte("x"), contracts.WithPriority(0))
		assert.True(t, msg.HasPriority())

		got := DecodeDelivery(1, deliver(Publishing(msg))).Message
		assert.Equal(t, contracts.PriorityUnset, got.Priority)
		assert.False(t, got.HasPriority())
	})

	t.Run("unset priority decodes to the sentinel", func(t *testing.T) {
		msg := contracts.NewMessage([]byte("x"))

		p := Publishing(msg)
		assert.Zero(t, p.Priority)

		got := DecodeDelivery(1, deliver(p)).Message
		assert.Equal(t, contracts.PriorityUnset, got.Priority)
		assert.False(t, got.HasPriority())
		assert.Zero(t, got.Expiration)
		assert.Nil(t, got.Headers)
	})

	t.Run("remaining properties and headers", func(t *testing.T) {
		ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		msg := contracts.NewMessage([]byte("x"),
			contracts.WithContentEncoding("gzip"),
			contracts.WithDeliveryMode(contracts.Persistent),
			contracts.WithReplyTo("replies"),
			contracts.WithMessageID("m-1"),
			contracts.WithTimestamp(ts),
			contracts.WithType("order.created"),
			contracts.WithUserID("guest"),
			contracts.WithAppID("shop"),
			contracts.WithHeader("x-attempt", int32(2)),
		)

		got := DecodeDelivery(1, deliver(Publishing(msg))).Message
		assert.Equal(t, "gzip", got.ContentEncoding)
		assert.Equal(t, contracts.Persistent, got.DeliveryMode)
		assert.Equal(t, "replies", got.ReplyTo)
		assert.Equal(t, "m-1", got.MessageID)
		assert.Equal(t, ts, got.Timestamp)
		assert.Equal(t, "order.created", got.Type)
		assert.Equal(t, "guest", got.UserID)
		assert.Equal(t, "shop", got.AppID)
		assert.Equal(t, int32(2), got.Headers["x-attempt"])
	})
}

func TestDecodeDeliveryMetadata(t *testing.T) {
	env := DecodeDelivery(9, deliver(amqp.Publishing{Body: []byte("b")}))

	assert.Equal(t, uint16(9), env.Channel)
	assert.Equal(t, "ctag-1", env.ConsumerTag)
	assert.Equal(t, uint64(42), env.DeliveryTag)
	assert.Equal(t, "orders", env.Exchange)
	assert.Equal(t, "new", env.RoutingKey)
	assert.True(t, env.Redelivered)
	assert.Equal(t, []byte("b"), env.Body())
}

func TestDecodeReturn(t *testing.T) {
	ret := DecodeReturn(2, amqp.Return{
		ReplyCode:     312,
		ReplyText:     "NO_ROUTE",
		Exchange:      "orders",
		RoutingKey:    "nowhere",
		CorrelationId: "c-9",
		Body:          []byte("lost"),
	})

	assert.Equal(t, uint16(2), ret.Channel)
	assert.Equal(t, 312, ret.ReplyCode)
	assert.Equal(t, "NO_ROUTE", ret.ReplyText)
	assert.Equal(t, "nowhere", ret.RoutingKey)
	require.NotNil(t, ret.Message)
	assert.Equal(t, "c-9", ret.Message.CorrelationID)
	assert.Equal(t, "lost", string(ret.Message.Body))
	assert.True(t, ret.Message.Mandatory)
}
