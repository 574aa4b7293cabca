package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqpkit/contracts"
)

func acceptAll(ctx context.Context, env *contracts.Envelope) bool { return true }

// exerciseChannel runs every operation that must fail fast on an invalid channel.
func exerciseChannel(ch *Channel) []error {
	msg := contracts.NewTextMessage("payload")
	var errs []error
	add := func(err error) { errs = append(errs, err) }

	_, err := ch.DeclareExchange("orders", contracts.ExchangeDirect, false, false)
	add(err)
	_, err = ch.DeclareQueue("orders.new", false, false, false)
	add(err)
	_, err = ch.ExchangeExists("orders")
	add(err)
	add(ch.DeleteExchange("orders", false))
	_, err = ch.DeleteQueue("orders.new", false, false)
	add(err)
	_, err = ch.PurgeQueue("orders.new")
	add(err)
	add(ch.BindQueue("orders.new", "orders", "new"))
	add(ch.UnbindQueue("orders.new", "orders", "new"))
	add(ch.BindExchange("audit", "#", "orders"))
	add(ch.UnbindExchange("audit", "#", "orders"))
	add(ch.BasicPublish(context.Background(), "orders", "new", msg))
	_, err = ch.BasicConsume("orders.new", "other", acceptAll)
	add(err)
	add(ch.BasicQos(10, 0, false))
	add(ch.BasicAck(1, false))
	add(ch.BasicReject(1, true))
	add(ch.ConfirmSelect())
	return errs
}

func TestChannelInvalidation(t *testing.T) {
	t.Run("basic.consume server exception invalidates the channel", func(t *testing.T) {
		s := newMockSession(0)
		s.On("Consume", uint16(1), mock.Anything).Return(notFound("no queue 'orders.new'")).Once()
		_, ch := newTestChannel(t, s)

		_, err := ch.BasicConsume("orders.new", "orders", acceptAll)
		require.Error(t, err)
		assert.True(t, IsChannelInvalidated(err))
		assert.False(t, ch.IsValid())
		assert.Empty(t, ch.ConsumerTags())

		callsBefore := len(s.Calls)
		for _, err := range exerciseChannel(ch) {
			assert.ErrorIs(t, err, ErrChannelInvalid)
		}
		assert.Len(t, s.Calls, callsBefore, "no protocol traffic after invalidation")
	})

	fatal := []struct {
		name   string
		method string
		args   []interface{}
		run    func(ch *Channel) error
	}{
		{"queue bind", "QueueBind", []interface{}{uint16(1), "orders.new", "new", "orders"},
			func(ch *Channel) error { return ch.BindQueue("orders.new", "orders", "new") }},
		{"queue unbind", "QueueUnbind", []interface{}{uint16(1), "orders.new", "new", "orders"},
			func(ch *Channel) error { return ch.UnbindQueue("orders.new", "orders", "new") }},
		{"exchange bind", "ExchangeBind", []interface{}{uint16(1), "audit", "#", "orders"},
			func(ch *Channel) error { return ch.BindExchange("audit", "#", "orders") }},
		{"exchange unbind", "ExchangeUnbind", []interface{}{uint16(1), "audit", "#", "orders"},
			func(ch *Channel) error { return ch.UnbindExchange("audit", "#", "orders") }},
		{"qos", "Qos", []interface{}{uint16(1), 10, 0, false},
			func(ch *Channel) error { return ch.BasicQos(10, 0, false) }},
	}
	for _, tc := range fatal {
		t.Run(tc.name+" server exception invalidates the channel", func(t *testing.T) {
			s := newMockSession(0)
			s.On(tc.method, tc.args...).Return(notFound("orders")).Once()
			_, ch := newTestChannel(t, s)

			err := tc.run(ch)
			require.Error(t, err)
			assert.True(t, IsChannelInvalidated(err))
			assert.False(t, ch.IsValid())

			assert.ErrorIs(t, tc.run(ch), ErrChannelInvalid)
			s.AssertNumberOfCalls(t, tc.method, 1)
		})
	}

	t.Run("declare server exception leaves the channel valid", func(t *testing.T) {
		s := newMockSession(0)
		conflict := &contracts.BrokerError{Code: 406, Reason: "PRECONDITION_FAILED - inequivalent arg 'durable'"}
		s.On("ExchangeDeclare", uint16(1), mock.Anything).Return(conflict).Once()
		_, ch := newTestChannel(t, s)

		ex, err := ch.DeclareExchange("orders", contracts.ExchangeTopic, true, false)
		assert.Nil(t, ex)
		assert.ErrorIs(t, err, conflict)
		assert.False(t, IsChannelInvalidated(err))
		assert.True(t, ch.IsValid())
	})

	t.Run("local errors never invalidate", func(t *testing.T) {
		s := newMockSession(0)
		s.On("Qos", uint16(1), 5, 0, false).Return(&contracts.LocalError{Op: "basic.qos", Err: errors.New("i/o timeout")}).Once()
		_, ch := newTestChannel(t, s)

		err := ch.BasicQos(5, 0, false)
		require.Error(t, err)
		assert.False(t, IsChannelInvalidated(err))
		assert.True(t, ch.IsValid())
	})

	t.Run("connection scoped exceptions invalidate any operation", func(t *testing.T) {
		s := newMockSession(0)
		forced := &contracts.BrokerError{Code: 320, Reason: "CONNECTION_FORCED", ConnectionScoped: true}
		s.On("Publish", mock.Anything, uint16(1), "orders", "new", mock.Anything).Return(forced).Once()
		_, ch := newTestChannel(t, s)

		err := ch.BasicPublish(context.Background(), "orders", "new", contracts.NewTextMessage("x"))
		assert.ErrorIs(t, err, forced)
		assert.False(t, ch.IsValid())
	})
}

func TestBasicConsume(t *testing.T) {
	t.Run("rejects a duplicate tag without contacting the broker", func(t *testing.T) {
		s := newMockSession(0)
		s.On("Consume", uint16(1), mock.Anything).Return(nil).Once()
		s.On("Ack", uint16(1), uint64(1), false).Return(nil).Once()
		s.On("Receive", mock.Anything).Return(delivery(1, "orders", 1), nil).Once()
		conn, ch := newTestChannel(t, s)

		var first, second int
		tag, err := ch.BasicConsume("orders.new", "orders", func(ctx context.Context, env *contracts.Envelope) bool {
			first++
			return true
		})
		require.NoError(t, err)
		assert.Equal(t, "orders", tag)

		_, err = ch.BasicConsume("orders.other", "orders", func(ctx context.Context, env *contracts.Envelope) bool {
			second++
			return true
		})
		assert.ErrorIs(t, err, ErrConsumerTagInUse)
		assert.True(t, ch.IsValid())
		s.AssertNumberOfCalls(t, "Consume", 1)

		require.NoError(t, conn.ConsumeOne(context.Background()))
		assert.Equal(t, 1, first)
		assert.Equal(t, 0, second)
	})

	t.Run("generates a tag when none is given", func(t *testing.T) {
		s := newMockSession(0)
		s.On("Consume", uint16(1), mock.MatchedBy(func(spec contracts.ConsumeSpec) bool {
			return strings.HasPrefix(spec.ConsumerTag, "ctag-") && spec.Queue == "orders.new" && spec.NoAck && spec.Exclusive
		})).Return(nil).Twice()
		_, ch := newTestChannel(t, s)

		tag1, err := ch.BasicConsume("orders.new", "", acceptAll, WithNoAck(), WithExclusive())
		require.NoError(t, err)
		tag2, err := ch.BasicConsume("orders.new", "", acceptAll, WithNoAck(), WithExclusive())
		require.NoError(t, err)

		assert.NotEqual(t, tag1, tag2)
		assert.ElementsMatch(t, []string{tag1, tag2}, ch.ConsumerTags())
	})

	t.Run("rejects a nil handler", func(t *testing.T) {
		s := newMockSession(0)
		_, ch := newTestChannel(t, s)

		_, err := ch.BasicConsume("orders.new", "orders", nil)
		assert.ErrorIs(t, err, ErrNilHandler)
		s.AssertNotCalled(t, "Consume", mock.Anything, mock.Anything)
	})

	t.Run("cancel frees the tag", func(t *testing.T) {
		s := newMockSession(0)
		s.On("Consume", uint16(1), mock.Anything).Return(nil).Twice()
		s.On("Cancel", uint16(1), "orders").Return(nil).Once()
		_, ch := newTestChannel(t, s)

		_, err := ch.BasicConsume("orders.new", "orders", acceptAll)
		require.NoError(t, err)
		require.NoError(t, ch.BasicCancel("orders"))
		assert.ErrorIs(t, ch.BasicCancel("orders"), ErrUnknownConsumer)

		_, err = ch.BasicConsume("orders.new", "orders", acceptAll)
		assert.NoError(t, err)
	})
}

func TestOnEnvelopeReceived(t *testing.T) {
	newConsumingChannel := func(t *testing.T, accept bool, options ...ConsumeOption) (*mockSession, *Channel) {
		s := newMockSession(0)
		s.On("Consume", uint16(1), mock.Anything).Return(nil)
		_, ch := newTestChannel(t, s)
		_, err := ch.BasicConsume("orders.new", "orders", func(ctx context.Context, env *contracts.Envelope) bool {
			return accept
		}, options...)
		require.NoError(t, err)
		return s, ch
	}

	t.Run("acks when the handler returns true", func(t *testing.T) {
		s, ch := newConsumingChannel(t, true)
		s.On("Ack", uint16(1), uint64(42), false).Return(nil).Once()

		consumed, err := ch.onEnvelopeReceived(context.Background(), delivery(1, "orders", 42).Envelope)
		require.NoError(t, err)
		assert.True(t, consumed)
		s.AssertNumberOfCalls(t, "Ack", 1)
	})

	t.Run("does not ack when the handler returns false", func(t *testing.T) {
		s, ch := newConsumingChannel(t, false)

		consumed, err := ch.onEnvelopeReceived(context.Background(), delivery(1, "orders", 42).Envelope)
		require.NoError(t, err)
		assert.False(t, consumed)
		s.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("does not ack for an unknown consumer tag", func(t *testing.T) {
		s, ch := newConsumingChannel(t, true)

		consumed, err := ch.onEnvelopeReceived(context.Background(), delivery(1, "someone-else", 42).Envelope)
		require.NoError(t, err)
		assert.False(t, consumed)
		s.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("does not ack a no-ack consumer", func(t *testing.T) {
		s, ch := newConsumingChannel(t, true, WithNoAck())

		consumed, err := ch.onEnvelopeReceived(context.Background(), delivery(1, "orders", 42).Envelope)
		require.NoError(t, err)
		assert.True(t, consumed)
		s.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("reports a failed ack", func(t *testing.T) {
		s, ch := newConsumingChannel(t, true)
		s.On("Ack", uint16(1), uint64(42), false).Return(&contracts.LocalError{Op: "basic.ack", Err: contracts.ErrSessionClosed}).Once()

		consumed, err := ch.onEnvelopeReceived(context.Background(), delivery(1, "orders", 42).Envelope)
		assert.True(t, consumed)
		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "ack", consumerErr.Op)
	})
}

func TestExchangeExists(t *testing.T) {
	passive := contracts.ExchangeSpec{Name: "orders", Passive: true}

	t.Run("true for an existing exchange", func(t *testing.T) {
		s := newMockSession(0)
		s.On("ExchangeDeclare", uint16(1), passive).Return(nil).Once()
		_, ch := newTestChannel(t, s)

		exists, err := ch.ExchangeExists("orders")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("false without error when the broker says not found", func(t *testing.T) {
		s := newMockSession(0)
		s.On("ExchangeDeclare", uint16(1), passive).Return(notFound("no exchange 'orders'")).Once()
		_, ch := newTestChannel(t, s)

		exists, err := ch.ExchangeExists("orders")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("error on a local failure", func(t *testing.T) {
		s := newMockSession(0)
		s.On("ExchangeDeclare", uint16(1), passive).Return(&contracts.LocalError{Op: "exchange.declare", Err: errors.New("timeout")}).Once()
		_, ch := newTestChannel(t, s)

		exists, err := ch.ExchangeExists("orders")
		assert.Error(t, err)
		assert.False(t, exists)
	})
}

func TestDeclare(t *testing.T) {
	t.Run("exchange with an invalid kind is rejected locally", func(t *testing.T) {
		s := newMockSession(0)
		_, ch := newTestChannel(t, s)

		_, err := ch.DeclareExchange("orders", contracts.ExchangeKind("headers"), false, false)
		assert.ErrorIs(t, err, ErrInvalidExchangeKind)
		s.AssertNotCalled(t, "ExchangeDeclare", mock.Anything, mock.Anything)
	})

	t.Run("exchange passes its flags", func(t *testing.T) {
		s := newMockSession(0)
		spec := contracts.ExchangeSpec{Name: "orders", Kind: contracts.ExchangeTopic, Durable: true, AutoDelete: true}
		s.On("ExchangeDeclare", uint16(1), spec).Return(nil).Once()
		_, ch := newTestChannel(t, s)

		ex, err := ch.DeclareExchange("orders", contracts.ExchangeTopic, true, true)
		require.NoError(t, err)
		assert.Equal(t, "orders", ex.Name())
		assert.Equal(t, contracts.ExchangeTopic, ex.Kind())
		assert.Same(t, ch, ex.Channel())
	})

	t.Run("server named queue takes the broker's name", func(t *testing.T) {
		s := newMockSession(0)
		s.On("QueueDeclare", uint16(1), contracts.QueueSpec{Exclusive: true, AutoDelete: true}).
			Return(contracts.QueueState{Name: "amq.gen-abc", MessageCount: 3, ConsumerCount: 1}, nil).Once()
		_, ch := newTestChannel(t, s)

		q, err := ch.DeclareQueue("", false, true, true)
		require.NoError(t, err)
		assert.Equal(t, "amq.gen-abc", q.Name())
		assert.Equal(t, 3, q.MessageCount())
		assert.Equal(t, 1, q.ConsumerCount())
	})
}

func TestHandles(t *testing.T) {
	setup := func(t *testing.T) (*mockSession, *Connection, *Channel, *Exchange, *Queue) {
		s := newMockSession(0)
		s.On("ExchangeDeclare", uint16(1), mock.Anything).Return(nil)
		s.On("QueueDeclare", uint16(1), mock.Anything).Return(contracts.QueueState{Name: "orders.new"}, nil)
		conn, ch := newTestChannel(t, s)
		ex, err := ch.DeclareExchange("orders", contracts.ExchangeDirect, false, false)
		require.NoError(t, err)
		q, err := ch.DeclareQueue("orders.new", false, false, false)
		require.NoError(t, err)
		return s, conn, ch, ex, q
	}

	t.Run("delegate to the channel with their own names", func(t *testing.T) {
		s, _, _, ex, q := setup(t)
		msg := contracts.NewTextMessage("order")
		s.On("Publish", mock.Anything, uint16(1), "orders", "new", msg).Return(nil).Once()
		s.On("QueueBind", uint16(1), "orders.new", "new", "orders").Return(nil).Once()
		s.On("QueueUnbind", uint16(1), "orders.new", "new", "orders").Return(nil).Once()
		s.On("ExchangeBind", uint16(1), "orders", "#", "upstream").Return(nil).Once()
		s.On("ExchangeUnbind", uint16(1), "orders", "#", "upstream").Return(nil).Once()
		s.On("QueuePurge", uint16(1), "orders.new").Return(4, nil).Once()
		s.On("Consume", uint16(1), mock.MatchedBy(func(spec contracts.ConsumeSpec) bool {
			return spec.Queue == "orders.new" && spec.ConsumerTag == "worker"
		})).Return(nil).Once()
		s.On("Cancel", uint16(1), "worker").Return(nil).Once()
		s.On("QueueDelete", uint16(1), "orders.new", true, false).Return(0, nil).Once()
		s.On("ExchangeDelete", uint16(1), "orders", false).Return(nil).Once()

		require.NoError(t, ex.BasicPublish(context.Background(), "new", msg))
		require.NoError(t, q.Bind(ex.Name(), "new"))
		require.NoError(t, q.Unbind(ex.Name(), "new"))
		require.NoError(t, ex.Bind("upstream", "#"))
		require.NoError(t, ex.Unbind("upstream", "#"))
		purged, err := q.Purge()
		require.NoError(t, err)
		assert.Equal(t, 4, purged)
		tag, err := q.Consume("worker", acceptAll)
		require.NoError(t, err)
		assert.Equal(t, "worker", tag)
		require.NoError(t, q.Cancel("worker"))
		_, err = q.Remove(true, false)
		require.NoError(t, err)
		require.NoError(t, ex.Remove(false))

		s.AssertExpectations(t)
	})

	t.Run("fail cleanly once the channel is destroyed", func(t *testing.T) {
		s, conn, ch, ex, q := setup(t)
		s.On("CloseChannel", uint16(1)).Return(nil).Once()
		require.NoError(t, conn.DestroyChannel(ch))
		callsBefore := len(s.Calls)

		assert.Nil(t, ex.Channel())
		assert.Nil(t, q.Channel())
		assert.ErrorIs(t, ex.BasicPublish(context.Background(), "new", contracts.NewTextMessage("x")), ErrChannelGone)
		assert.ErrorIs(t, ex.Bind("upstream", "#"), ErrChannelGone)
		assert.ErrorIs(t, ex.Remove(false), ErrChannelGone)
		assert.ErrorIs(t, q.Bind("orders", "new"), ErrChannelGone)
		_, err := q.Consume("worker", acceptAll)
		assert.ErrorIs(t, err, ErrChannelGone)
		_, err = q.Purge()
		assert.ErrorIs(t, err, ErrChannelGone)
		_, err = q.Remove(false, false)
		assert.ErrorIs(t, err, ErrChannelGone)

		assert.Len(t, s.Calls, callsBefore)
	})

	t.Run("publish reports the target", func(t *testing.T) {
		s, _, _, ex, _ := setup(t)
		s.On("Publish", mock.Anything, uint16(1), "orders", "new", mock.Anything).
			Return(&contracts.LocalError{Op: "basic.publish", Err: contracts.ErrSessionClosed}).Once()

		err := ex.BasicPublish(context.Background(), "new", contracts.NewTextMessage("x"))
		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "orders", pubErr.Exchange)
		assert.Equal(t, "new", pubErr.RoutingKey)
		assert.True(t, pubErr.Mandatory)
	})
}
