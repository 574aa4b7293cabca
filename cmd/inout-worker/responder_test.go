package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqpkit/contracts"
)

type pushed struct {
	routingKey string
	msg        *contracts.Message
}

func newTestResponder(pushErr error) (*echoResponder, *[]pushed) {
	var out []pushed
	r := &echoResponder{
		replySuffix: ".reply",
		logger:      slog.New(slog.DiscardHandler),
		push: func(routingKey string, msg *contracts.Message) error {
			if pushErr != nil {
				return pushErr
			}
			out = append(out, pushed{routingKey, msg})
			return nil
		},
	}
	return r, &out
}

func TestEchoResponder(t *testing.T) {
	t.Run("replies to routing key plus suffix", func(t *testing.T) {
		r, out := newTestResponder(nil)
		in := contracts.NewTextMessage("hello", contracts.WithMessageID("m-1"))

		ok := r.Handle(context.Background(), &contracts.Envelope{Message: in, RoutingKey: "orders.new"})
		require.True(t, ok)
		require.Len(t, *out, 1)

		resp := (*out)[0]
		assert.Equal(t, "orders.new.reply", resp.routingKey)
		assert.Equal(t, []byte("hello"), resp.msg.Body)
		assert.Equal(t, "text/plain", resp.msg.ContentType)
		assert.Equal(t, "m-1", resp.msg.CorrelationID)
		assert.NotEmpty(t, resp.msg.MessageID)
		assert.NotEqual(t, "m-1", resp.msg.MessageID)
		assert.False(t, resp.msg.Mandatory)
	})

	t.Run("honours reply-to and correlation id", func(t *testing.T) {
		r, out := newTestResponder(nil)
		in := contracts.NewTextMessage("hello",
			contracts.WithReplyTo("client.42"),
			contracts.WithCorrelationID("c-9"),
			contracts.WithMessageID("m-1"))

		require.True(t, r.Handle(context.Background(), &contracts.Envelope{Message: in, RoutingKey: "orders.new"}))
		assert.Equal(t, "client.42", (*out)[0].routingKey)
		assert.Equal(t, "c-9", (*out)[0].msg.CorrelationID)
	})

	t.Run("full outbound queue leaves the delivery unacked", func(t *testing.T) {
		r, _ := newTestResponder(errors.New("full"))
		ok := r.Handle(context.Background(), &contracts.Envelope{Message: contracts.NewTextMessage("x"), RoutingKey: "k"})
		assert.False(t, ok)
	})
}

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"config", "env-file", "url", "exchange", "routing-key", "queue", "reply-suffix"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}
