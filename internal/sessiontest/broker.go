// Package sessiontest provides an in-memory broker behind the contracts.Session
// interface, for tests that need routing, outages and reconnects without a
// RabbitMQ server.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/glimte/amqpkit/contracts"
)

// ErrBrokerDown is returned by the dialer while the broker is unreachable.
var ErrBrokerDown = errors.New("dial tcp: connection refused")

// Publication is one message accepted by an exchange.
type Publication struct {
	Exchange   string
	RoutingKey string
	Message    *contracts.Message
}

type binding struct {
	exchange   string
	routingKey string
}

type subscriber struct {
	session *Session
	channel uint16
	tag     string
}

type queue struct {
	name      string
	bindings  []binding
	consumers []subscriber
	backlog   []Publication
}

// Broker simulates a single RabbitMQ node. It is safe for concurrent use.
type Broker struct {
	mu         sync.Mutex
	down       bool
	channelMax int
	dials      int
	generated  int
	exchanges  map[string]contracts.ExchangeKind
	queues     map[string]*queue
	published  []Publication
	sessions   []*Session
	calls      map[string]int
	failures   map[string][]error
}

// NewBroker returns a reachable broker with no topology.
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]contracts.ExchangeKind),
		queues:    make(map[string]*queue),
		calls:     make(map[string]int),
		failures:  make(map[string][]error),
	}
}

// SetChannelMax sets the channel limit advertised to new sessions.
func (b *Broker) SetChannelMax(max int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelMax = max
}

// SetDown makes the broker unreachable. Taking it down drops every open
// session with a connection.close.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	var dropped []*Session
	if down {
		dropped = b.sessions
		b.sessions = nil
		for _, q := range b.queues {
			q.consumers = nil
		}
	}
	b.mu.Unlock()

	for _, s := range dropped {
		s.drop(&contracts.BrokerError{Code: 320, Reason: "CONNECTION_FORCED - broker shutdown", ConnectionScoped: true})
	}
}

// FailNext makes the next call of op (a Session method name) return err.
func (b *Broker) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], err)
}

// Dials returns the number of dial attempts, failed ones included.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Calls returns how often op was invoked across all sessions.
func (b *Broker) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Published returns every message accepted by an exchange, in order.
func (b *Broker) Published() []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Publication(nil), b.published...)
}

// HasExchange reports whether name was declared.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// DeleteExchange removes an exchange and its bindings, as an operator would.
func (b *Broker) DeleteExchange(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteExchangeLocked(name)
}

func (b *Broker) deleteExchangeLocked(name string) {
	delete(b.exchanges, name)
	for _, q := range b.queues {
		kept := q.bindings[:0]
		for _, bd := range q.bindings {
			if bd.exchange != name {
				kept = append(kept, bd)
			}
		}
		q.bindings = kept
	}
}

// Publish injects a message from another client.
func (b *Broker) Publish(exchange, routingKey string, msg *contracts.Message) error {
	b.mu.Lock()
	deliveries, routed, err := b.routeLocked(exchange, routingKey, msg)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if !routed {
		return fmt.Errorf("message to %s/%s was not routed", exchange, routingKey)
	}
	deliver(deliveries)
	return nil
}

// Dialer returns a contracts.Dialer connected to this broker.
func (b *Broker) Dialer() contracts.Dialer {
	return func(ctx context.Context, endpoint contracts.Endpoint) (contracts.Session, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dials++
		if b.down {
			return nil, &contracts.LocalError{Op: "dial", Err: ErrBrokerDown}
		}
		s := newSession(b, b.channelMax)
		b.sessions = append(b.sessions, s)
		return s, nil
	}
}

// record counts a call and pops an injected failure for it.
func (b *Broker) record(op string) error {
	b.calls[op]++
	if errs := b.failures[op]; len(errs) > 0 {
		b.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (b *Broker) forget(s *Session) {
	for i, live := range b.sessions {
		if live == s {
			b.sessions = append(b.sessions[:i], b.sessions[i+1:]...)
			break
		}
	}
	for _, q := range b.queues {
		kept := q.consumers[:0]
		for _, c := range q.consumers {
			if c.session != s {
				kept = append(kept, c)
			}
		}
		q.consumers = kept
	}
}

type pendingDelivery struct {
	sub subscriber
	pub Publication
}

// routeLocked stores pub on every matching queue. It returns the deliveries
// to hand to consumers once the broker lock is released.
func (b *Broker) routeLocked(exchange, routingKey string, msg *contracts.Message) ([]pendingDelivery, bool, error) {
	pub := Publication{Exchange: exchange, RoutingKey: routingKey, Message: msg.Clone()}

	var targets []*queue
	if exchange == "" {
		if q, ok := b.queues[routingKey]; ok {
			targets = append(targets, q)
		}
	} else {
		kind, ok := b.exchanges[exchange]
		if !ok {
			return nil, false, &contracts.BrokerError{Code: 404, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchange)}
		}
		for _, q := range b.queues {
			for _, bd := range q.bindings {
				if bd.exchange == exchange && matches(kind, bd.routingKey, routingKey) {
					targets = append(targets, q)
					break
				}
			}
		}
	}
	b.published = append(b.published, pub)

	var out []pendingDelivery
	for _, q := range targets {
		if len(q.consumers) == 0 {
			q.backlog = append(q.backlog, pub)
			continue
		}
		out = append(out, pendingDelivery{sub: q.consumers[0], pub: pub})
	}
	return out, len(targets) > 0, nil
}

func deliver(deliveries []pendingDelivery) {
	for _, d := range deliveries {
		d.sub.session.deliver(d.sub.channel, d.sub.tag, d.pub)
	}
}

func matches(kind contracts.ExchangeKind, pattern, key string) bool {
	switch kind {
	case contracts.ExchangeFanout:
		return true
	case contracts.ExchangeTopic:
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}
