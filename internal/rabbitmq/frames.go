package rabbitmq

import (
	"sync"

	"github.com/glimte/amqpkit/contracts"
)

// frameQueue is the single inbound queue read by Session.Receive.
//
// Deliveries go through push, which blocks while the queue is full; amqp091
// buffers deliveries per consumer so the forwarder is the only goroutine
// held up. Returns and confirms are sent by amqp091's connection reader
// itself, so they go through offer, which never blocks and spills into an
// unbounded overflow drained in order by its own goroutine.
type frameQueue struct {
	out  chan contracts.Frame
	done <-chan struct{}

	mu       sync.Mutex
	overflow []contracts.Frame
	wake     chan struct{}
}

func newFrameQueue(size int, done <-chan struct{}) *frameQueue {
	q := &frameQueue{
		out:  make(chan contracts.Frame, size),
		done: done,
		wake: make(chan struct{}, 1),
	}
	go q.drain()
	return q
}

// push queues f, waiting for room until done is closed.
func (q *frameQueue) push(f contracts.Frame) {
	select {
	case q.out <- f:
	case <-q.done:
	}
}

// offer queues f without blocking.
func (q *frameQueue) offer(f contracts.Frame) {
	q.mu.Lock()
	if len(q.overflow) == 0 {
		select {
		case q.out <- f:
			q.mu.Unlock()
			return
		default:
		}
	}
	q.overflow = append(q.overflow, f)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// backlog returns the number of frames waiting in the overflow.
func (q *frameQueue) backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.overflow)
}

func (q *frameQueue) drain() {
	for {
		select {
		case <-q.wake:
		case <-q.done:
			return
		}

		for {
			q.mu.Lock()
			if len(q.overflow) == 0 {
				q.mu.Unlock()
				break
			}
			f := q.overflow[0]
			q.mu.Unlock()

			select {
			case q.out <- f:
			case <-q.done:
				return
			}

			// The head stays in place until sent so offer keeps appending
			// behind it.
			q.mu.Lock()
			q.overflow[0] = contracts.Frame{}
			q.overflow = q.overflow[1:]
			if len(q.overflow) == 0 {
				q.overflow = nil
			}
			q.mu.Unlock()
		}
	}
}
