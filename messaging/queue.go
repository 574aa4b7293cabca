package messaging

import (
	"time"
	"weak"

	"github.com/glimte/amqpkit/contracts"
)

// Queue is a handle to a declared queue. Like Exchange it holds its channel
// weakly and fails with ErrChannelGone after the channel is destroyed.
type Queue struct {
	name          string
	messageCount  int
	consumerCount int
	channel       weak.Pointer[Channel]
}

func newQueue(ch *Channel, state contracts.QueueState) *Queue {
	return &Queue{
		name:          state.Name,
		messageCount:  state.MessageCount,
		consumerCount: state.ConsumerCount,
		channel:       weak.Make(ch),
	}
}

// Name returns the queue name, as assigned by the broker for server-named queues.
func (q *Queue) Name() string {
	return q.name
}

// MessageCount is the number of ready messages reported at declaration.
func (q *Queue) MessageCount() int {
	return q.messageCount
}

// ConsumerCount is the number of consumers reported at declaration.
func (q *Queue) ConsumerCount() int {
	return q.consumerCount
}

// Channel returns the channel the queue was declared on, or nil once it is gone.
func (q *Queue) Channel() *Channel {
	ch := q.channel.Value()
	if ch == nil || ch.IsClosed() {
		return nil
	}
	return ch
}

func (q *Queue) resolve(op string) (*Channel, error) {
	ch := q.Channel()
	if ch == nil {
		return nil, &TopologyError{Component: "queue", Name: q.name, Op: op, Err: ErrChannelGone, Timestamp: time.Now()}
	}
	return ch, nil
}

// Bind routes messages matching routingKey from exchange into the queue.
func (q *Queue) Bind(exchange, routingKey string) error {
	ch, err := q.resolve("bind")
	if err != nil {
		return err
	}
	return ch.BindQueue(q.name, exchange, routingKey)
}

// Unbind removes a binding created with Bind.
func (q *Queue) Unbind(exchange, routingKey string) error {
	ch, err := q.resolve("unbind")
	if err != nil {
		return err
	}
	return ch.UnbindQueue(q.name, exchange, routingKey)
}

// Consume registers handler on the queue and returns the consumer tag.
func (q *Queue) Consume(consumerTag string, handler DeliveryHandler, options ...ConsumeOption) (string, error) {
	ch, err := q.resolve("consume")
	if err != nil {
		return "", err
	}
	return ch.BasicConsume(q.name, consumerTag, handler, options...)
}

// Cancel stops a consumer registered with Consume.
func (q *Queue) Cancel(consumerTag string) error {
	ch, err := q.resolve("cancel")
	if err != nil {
		return err
	}
	return ch.BasicCancel(consumerTag)
}

// Purge drops every ready message.
func (q *Queue) Purge() (int, error) {
	ch, err := q.resolve("purge")
	if err != nil {
		return 0, err
	}
	return ch.PurgeQueue(q.name)
}

// Remove deletes the queue from the broker.
func (q *Queue) Remove(ifUnused, ifEmpty bool) (int, error) {
	ch, err := q.resolve("delete")
	if err != nil {
		return 0, err
	}
	return ch.DeleteQueue(q.name, ifUnused, ifEmpty)
}
