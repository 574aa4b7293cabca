package messaging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqpkit/contracts"
)

// mockSession is a testify mock of contracts.Session
type mockSession struct {
	mock.Mock
}

func (m *mockSession) ChannelMax() int {
	return m.Called().Int(0)
}

func (m *mockSession) OpenChannel(id uint16) error {
	return m.Called(id).Error(0)
}

func (m *mockSession) CloseChannel(id uint16) error {
	return m.Called(id).Error(0)
}

func (m *mockSession) ExchangeDeclare(id uint16, spec contracts.ExchangeSpec) error {
	return m.Called(id, spec).Error(0)
}

func (m *mockSession) ExchangeDelete(id uint16, name string, ifUnused bool) error {
	return m.Called(id, name, ifUnused).Error(0)
}

func (m *mockSession) ExchangeBind(id uint16, destination, routingKey, source string) error {
	return m.Called(id, destination, routingKey, source).Error(0)
}

func (m *mockSession) ExchangeUnbind(id uint16, destination, routingKey, source string) error {
	return m.Called(id, destination, routingKey, source).Error(0)
}

func (m *mockSession) QueueDeclare(id uint16, spec contracts.QueueSpec) (contracts.QueueState, error) {
	args := m.Called(id, spec)
	return args.Get(0).(contracts.QueueState), args.Error(1)
}

func (m *mockSession) QueueBind(id uint16, queue, routingKey, exchange string) error {
	return m.Called(id, queue, routingKey, exchange).Error(0)
}

func (m *mockSession) QueueUnbind(id uint16, queue, routingKey, exchange string) error {
	return m.Called(id, queue, routingKey, exchange).Error(0)
}

func (m *mockSession) QueuePurge(id uint16, queue string) (int, error) {
	args := m.Called(id, queue)
	return args.Int(0), args.Error(1)
}

func (m *mockSession) QueueDelete(id uint16, queue string, ifUnused, ifEmpty bool) (int, error) {
	args := m.Called(id, queue, ifUnused, ifEmpty)
	return args.Int(0), args.Error(1)
}

func (m *mockSession) Publish(ctx context.Context, id uint16, exchange, routingKey string, msg *contracts.Message) error {
	return m.Called(ctx, id, exchange, routingKey, msg).Error(0)
}

func (m *mockSession) Consume(id uint16, spec contracts.ConsumeSpec) error {
	return m.Called(id, spec).Error(0)
}

func (m *mockSession) Cancel(id uint16, consumerTag string) error {
	return m.Called(id, consumerTag).Error(0)
}

func (m *mockSession) Qos(id uint16, prefetchCount, prefetchSize int, global bool) error {
	return m.Called(id, prefetchCount, prefetchSize, global).Error(0)
}

func (m *mockSession) Confirm(id uint16) error {
	return m.Called(id).Error(0)
}

func (m *mockSession) Ack(id uint16, deliveryTag uint64, multiple bool) error {
	return m.Called(id, deliveryTag, multiple).Error(0)
}

func (m *mockSession) Reject(id uint16, deliveryTag uint64, requeue bool) error {
	return m.Called(id, deliveryTag, requeue).Error(0)
}

func (m *mockSession) Receive(ctx context.Context) (contracts.Frame, error) {
	args := m.Called(ctx)
	return args.Get(0).(contracts.Frame), args.Error(1)
}

func (m *mockSession) Close() error {
	return m.Called().Error(0)
}

var testLogger = slog.New(slog.DiscardHandler)

// newMockSession returns a mock advertising channelMax (0 for the protocol limit).
func newMockSession(channelMax int) *mockSession {
	s := &mockSession{}
	s.On("ChannelMax").Return(channelMax)
	return s
}

func newTestConnection(t *testing.T, s *mockSession, options ...ConnectionOption) *Connection {
	t.Helper()
	dialer := func(ctx context.Context, endpoint contracts.Endpoint) (contracts.Session, error) {
		return s, nil
	}
	options = append([]ConnectionOption{WithDialer(dialer), WithLogger(testLogger)}, options...)
	conn, err := DialEndpoint(context.Background(), contracts.Endpoint{}, options...)
	require.NoError(t, err)
	return conn
}

// newTestChannel opens channel 1 on a fresh connection.
func newTestChannel(t *testing.T, s *mockSession) (*Connection, *Channel) {
	t.Helper()
	s.On("OpenChannel", uint16(1)).Return(nil).Once()
	conn := newTestConnection(t, s)
	ch, err := conn.CreateChannel()
	require.NoError(t, err)
	return conn, ch
}

func notFound(reason string) error {
	return &contracts.BrokerError{Code: 404, Reason: "NOT_FOUND - " + reason}
}

func delivery(id uint16, consumerTag string, deliveryTag uint64) contracts.Frame {
	return contracts.Frame{
		Kind:    contracts.FrameDelivery,
		Channel: id,
		Envelope: &contracts.Envelope{
			Message:     contracts.NewTextMessage("hello"),
			Channel:     id,
			ConsumerTag: consumerTag,
			DeliveryTag: deliveryTag,
		},
	}
}
