package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/amqpkit/contracts"
)

const frameBuffer = 4096

var errChannelInUse = errors.New("channel id already open")

// Session is one client connection to a Broker. Its state is guarded by the
// broker lock.
type Session struct {
	broker     *Broker
	channelMax int
	frames     chan contracts.Frame
	done       chan struct{}
	closeOnce  sync.Once

	closed     bool
	open       map[uint16]bool
	confirming map[uint16]uint64
	tags       map[uint16]uint64
	acks       []uint64
	rejects    []uint64
}

func newSession(b *Broker, channelMax int) *Session {
	return &Session{
		broker:     b,
		channelMax: channelMax,
		frames:     make(chan contracts.Frame, frameBuffer),
		done:       make(chan struct{}),
		open:       make(map[uint16]bool),
		confirming: make(map[uint16]uint64),
		tags:       make(map[uint16]uint64),
	}
}

// Acks returns the acknowledged delivery tags
func (s *Session) Acks() []uint64 {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return append([]uint64(nil), s.acks...)
}

// Rejects returns the rejected delivery tags
func (s *Session) Rejects() []uint64 {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return append([]uint64(nil), s.rejects...)
}

// begin checks session and channel state for op. Callers hold the broker lock.
func (s *Session) begin(op string, id uint16) error {
	if s.closed {
		return &contracts.LocalError{Op: op, Err: contracts.ErrSessionClosed}
	}
	if err := s.broker.record(op); err != nil {
		if be, ok := contracts.AsBrokerError(err); ok && !be.ConnectionScoped && id != 0 {
			s.closeChannelLocked(id, be)
		}
		return err
	}
	if id != 0 && !s.open[id] {
		return &contracts.LocalError{Op: op, Err: contracts.ErrChannelNotOpen}
	}
	return nil
}

// channelException closes channel id the way the broker does on a failed
// synchronous method and returns the reply.
func (s *Session) channelException(id uint16, code int, format string, args ...interface{}) error {
	err := &contracts.BrokerError{Code: code, Reason: fmt.Sprintf(format, args...)}
	s.closeChannelLocked(id, err)
	return err
}

func (s *Session) closeChannelLocked(id uint16, reason error) {
	if !s.open[id] {
		return
	}
	delete(s.open, id)
	delete(s.confirming, id)
	for _, q := range s.broker.queues {
		kept := q.consumers[:0]
		for _, c := range q.consumers {
			if c.session != s || c.channel != id {
				kept = append(kept, c)
			}
		}
		q.consumers = kept
	}
	if reason != nil {
		s.emit(contracts.Frame{Kind: contracts.FrameChannelClose, Channel: id, Err: reason})
	}
}

func (s *Session) emit(f contracts.Frame) {
	select {
	case s.frames <- f:
	case <-s.done:
	}
}

func (s *Session) drop(reason error) {
	s.broker.mu.Lock()
	if s.closed {
		s.broker.mu.Unlock()
		return
	}
	s.closed = true
	s.broker.mu.Unlock()

	s.emit(contracts.Frame{Kind: contracts.FrameConnectionClose, Err: reason})
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) deliver(id uint16, tag string, pub Publication) {
	s.broker.mu.Lock()
	if s.closed || !s.open[id] {
		s.broker.mu.Unlock()
		return
	}
	s.tags[id]++
	env := &contracts.Envelope{
		Message:     pub.Message.Clone(),
		Channel:     id,
		ConsumerTag: tag,
		DeliveryTag: s.tags[id],
		Exchange:    pub.Exchange,
		RoutingKey:  pub.RoutingKey,
	}
	env.Message.Mandatory = false
	s.broker.mu.Unlock()

	s.emit(contracts.Frame{Kind: contracts.FrameDelivery, Channel: id, Envelope: env})
}

func (s *Session) ChannelMax() int {
	return s.channelMax
}

func (s *Session) OpenChannel(id uint16) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if err := s.begin("OpenChannel", 0); err != nil {
		return err
	}
	if s.open[id] {
		return &contracts.LocalError{Op: "channel.open", Err: errChannelInUse}
	}
	s.open[id] = true
	return nil
}

func (s *Session) CloseChannel(id uint16) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if err := s.begin("CloseChannel", id); err != nil {
		return err
	}
	s.closeChannelLocked(id, nil)
	return nil
}

func (s *Session) ExchangeDeclare(id uint16, spec contracts.ExchangeSpec) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := s.begin("ExchangeDeclare", id); err != nil {
		return err
	}
	kind, exists := b.exchanges[spec.Name]
	switch {
	case spec.Passive && !exists:
		return s.channelException(id, 404, "NOT_FOUND - no exchange '%s' in vhost '/'", spec.Name)
	case spec.Passive:
		return nil
	case exists && kind != spec.Kind:
		return s.channelException(id, 406, "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", spec.Name)
	}
	b.exchanges[spec.Name] = spec.Kind
	return nil
}

func (s *Session) ExchangeDelete(id uint16, name string, ifUnused bool) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := s.begin("ExchangeDelete", id); err != nil {
		return err
	}
	if _, ok := b.exchanges[name]; !ok {
		return s.channelException(id, 404, "NOT_FOUND - no exchange '%s' in vhost '/'", name)
	}
	b.deleteExchangeLocked(name)
	return nil
}

func (s *Session) exchangeBinding(op string, id uint16, destination, source string) error {
	b := s.broker
	if err := s.begin(op, id); err != nil {
		return err
	}
	for _, name := range []string{destination, source} {
		if _, ok := b.exchanges[name]; !ok {
			return s.channelException(id, 404, "NOT_FOUND - no exchange '%s' in vhost '/'", name)
		}
	}
	return nil
}

func (s *Session) ExchangeBind(id uint16, destination, routingKey, source string) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.exchangeBinding("ExchangeBind", id, destination, source)
}

func (s *Session) ExchangeUnbind(id uint16, destination, routingKey, source string) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.exchangeBinding("ExchangeUnbind", id, destination, source)
}

func (s *Session) QueueDeclare(id uint16, spec contracts.QueueSpec) (contracts.QueueState, error) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := s.begin("QueueDeclare", id); err != nil {
		return contracts.QueueState{}, err
	}
	name := spec.Name
	if name == "" {
		b.generated++
		name = fmt.Sprintf("amq.gen-%d", b.generated)
	}
	q, ok := b.queues[name]
	if !ok {
		if spec.Passive {
			return contracts.QueueState{}, s.channelException(id, 404, "NOT_FOUND - no queue '%s' in vhost '/'", name)
		}
		q = &queue{name: name}
		b.queues[name] = q
	}
	return contracts.QueueState{Name: name, MessageCount: len(q.backlog), ConsumerCount: len(q.consumers)}, nil
}

func (s *Session) QueueBind(id uint16, queueName, routingKey, exchange string) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := s.begin("QueueBind", id); err != nil {
		return err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return s.channelException(id, 404, "NOT_FOUND - no queue '%s' in vhost '/'", queueName)
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return s.channelException(id, 404, "NOT_FOUND - no exchange '%s' in vhost '/'", exchange)
	}
	bd := binding{exchange: exchange, routingKey: routingKey}
	for _, existing := range q.bindings {
		if existing == bd {
			return nil
		}
	}
	q.bindings = append(q.bindings, bd)
	return nil
}

func (s *Session) QueueUnbind(id uint16, queueName, routingKey, exchange string) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := s.begin("QueueUnbind", id); err != nil {
		return err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return s.channelException(id, 404, "NOT_FOUND - no queue '%s' in vhost '/'", queueName)
	}
	kept := q.bindings[:0]
	for _, bd := range q.bindings {
		if bd.exchange != exchange || bd.routingKey != routingKey {
			kept = append(kept, bd)
		}
	}
	q.bindings = kept
	return nil
}

func (s *Session) QueuePurge(id uint16, queueName string) (int, error) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := s.begin("QueuePurge", id); err != nil {
		return 0, err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return 0, s.channelException(id, 404, "NOT_FOUND - no queue '%s' in vhost '/'", queueName)
	}
	n := len(q.backlog)
	q.backlog = nil
	return n, nil
}

func (s *Session) QueueDelete(id uint16, queueName string, ifUnused, ifEmpty bool) (int, error) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := s.begin("QueueDelete", id); err != nil {
		return 0, err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return 0, s.channelException(id, 404, "NOT_FOUND - no queue '%s' in vhost '/'", queueName)
	}
	if ifUnused && len(q.consumers) > 0 {
		return 0, s.channelException(id, 406, "PRECONDITION_FAILED - queue '%s' in use", queueName)
	}
	if ifEmpty && len(q.backlog) > 0 {
		return 0, s.channelException(id, 406, "PRECONDITION_FAILED - queue '%s' not empty", queueName)
	}
	delete(b.queues, queueName)
	return len(q.backlog), nil
}

// Publish routes msg. Like a real broker it never fails synchronously for
// routing problems: a missing exchange closes the channel and an unroutable
// mandatory message comes back as a basic.return.
func (s *Session) Publish(ctx context.Context, id uint16, exchange, routingKey string, msg *contracts.Message) error {
	if err := ctx.Err(); err != nil {
		return &contracts.LocalError{Op: "basic.publish", Err: err}
	}
	b := s.broker
	b.mu.Lock()
	if err := s.begin("Publish", id); err != nil {
		b.mu.Unlock()
		return err
	}

	deliveries, routed, err := b.routeLocked(exchange, routingKey, msg)
	if err != nil {
		s.closeChannelLocked(id, err)
		b.mu.Unlock()
		return nil
	}
	if !routed && msg.Mandatory {
		ret := &contracts.Return{
			Message:    msg.Clone(),
			Channel:    id,
			ReplyCode:  312,
			ReplyText:  "NO_ROUTE",
			Exchange:   exchange,
			RoutingKey: routingKey,
		}
		s.emit(contracts.Frame{Kind: contracts.FrameReturn, Channel: id, Return: ret})
	}
	if seq, ok := s.confirming[id]; ok {
		seq++
		s.confirming[id] = seq
		s.emit(contracts.Frame{Kind: contracts.FrameConfirm, Channel: id, Confirm: &contracts.Confirmation{Channel: id, DeliveryTag: seq, Ack: true}})
	}
	b.mu.Unlock()

	deliver(deliveries)
	return nil
}

func (s *Session) Consume(id uint16, spec contracts.ConsumeSpec) error {
	b := s.broker
	b.mu.Lock()
	if err := s.begin("Consume", id); err != nil {
		b.mu.Unlock()
		return err
	}
	q, ok := b.queues[spec.Queue]
	if !ok {
		err := s.channelException(id, 404, "NOT_FOUND - no queue '%s' in vhost '/'", spec.Queue)
		b.mu.Unlock()
		return err
	}
	sub := subscriber{session: s, channel: id, tag: spec.ConsumerTag}
	q.consumers = append(q.consumers, sub)
	backlog := q.backlog
	q.backlog = nil
	b.mu.Unlock()

	for _, pub := range backlog {
		s.deliver(id, sub.tag, pub)
	}
	return nil
}

func (s *Session) Cancel(id uint16, consumerTag string) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := s.begin("Cancel", id); err != nil {
		return err
	}
	for _, q := range b.queues {
		kept := q.consumers[:0]
		for _, c := range q.consumers {
			if c.session != s || c.tag != consumerTag {
				kept = append(kept, c)
			}
		}
		q.consumers = kept
	}
	return nil
}

func (s *Session) Qos(id uint16, prefetchCount, prefetchSize int, global bool) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if err := s.begin("Qos", id); err != nil {
		return err
	}
	if prefetchCount < 0 || prefetchSize < 0 {
		return s.channelException(id, 406, "PRECONDITION_FAILED - invalid prefetch")
	}
	return nil
}

func (s *Session) Confirm(id uint16) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if err := s.begin("Confirm", id); err != nil {
		return err
	}
	if _, ok := s.confirming[id]; !ok {
		s.confirming[id] = 0
	}
	return nil
}

func (s *Session) Ack(id uint16, deliveryTag uint64, multiple bool) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if err := s.begin("Ack", id); err != nil {
		return err
	}
	s.acks = append(s.acks, deliveryTag)
	return nil
}

func (s *Session) Reject(id uint16, deliveryTag uint64, requeue bool) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if err := s.begin("Reject", id); err != nil {
		return err
	}
	s.rejects = append(s.rejects, deliveryTag)
	return nil
}

// Receive drains queued frames before reporting a closed session, so the
// connection.close emitted by an outage is always observed.
func (s *Session) Receive(ctx context.Context) (contracts.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	default:
	}
	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return contracts.Frame{}, ctx.Err()
	case <-s.done:
		return contracts.Frame{}, &contracts.LocalError{Op: "receive", Err: contracts.ErrSessionClosed}
	}
}

func (s *Session) Close() error {
	s.broker.mu.Lock()
	s.closed = true
	s.broker.forget(s)
	s.broker.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
