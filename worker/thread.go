// Package worker runs long-lived broker loops on their own goroutines.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("worker: already started")
	ErrNotStarted     = errors.New("worker: not started")
)

// Thread runs one long-lived loop on its own goroutine. Stop only asks the
// loop to finish; Wait blocks until it has.
type Thread struct {
	name   string
	run    func(ctx context.Context) error
	stop   func()
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	done    chan struct{}
	err     error
}

// NewThread creates a Thread that calls run on Start and stop on Stop.
func NewThread(name string, run func(ctx context.Context) error, stop func(), logger *slog.Logger) *Thread {
	if logger == nil {
		logger = slog.Default()
	}
	return &Thread{
		name:   name,
		run:    run,
		stop:   stop,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the loop. A Thread can only be started once.
func (t *Thread) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true

	go func() {
		defer close(t.done)
		t.logger.Info("worker started", "worker", t.name)
		err := t.run(ctx)

		t.mu.Lock()
		t.err = err
		t.mu.Unlock()

		if err != nil {
			t.logger.Error("worker exited with error", "worker", t.name, "error", err)
			return
		}
		t.logger.Info("worker stopped", "worker", t.name)
	}()
	return nil
}

// Stop asks the loop to finish. It never blocks.
func (t *Thread) Stop() {
	if t.stop != nil {
		t.stop()
	}
}

// Wait blocks until the loop has returned and reports its error.
func (t *Thread) Wait() error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the loop has returned.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Name returns the worker name used in logs
func (t *Thread) Name() string {
	return t.name
}
