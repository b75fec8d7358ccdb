// Package eventloop serialises the work of one session onto a single goroutine.
//
// Timers, network completions and observations from other goroutines hand
// their work to the loop with Dispatch or Do. Code already running on the
// loop calls session state directly and must never call Dispatch or Do, or it
// will wait on itself.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const DefaultQueueSize = 64

var ErrClosed = errors.New("event loop closed")

type Loop struct {
	dispatchCh chan func()
	done       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
	startOnce  sync.Once
	logger     *slog.Logger
}

type Option func(*Loop)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

func WithQueueSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.dispatchCh = make(chan func(), n)
		}
	}
}

func New(opts ...Option) *Loop {
	l := &Loop{
		dispatchCh: make(chan func(), DefaultQueueSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start runs the loop on its own goroutine. Calling it twice is a no-op.
func (l *Loop) Start() *Loop {
	l.startOnce.Do(func() {
		go l.run()
	})
	return l
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		select {
		case fn := <-l.dispatchCh:
			l.safeExecute(fn)
		case <-l.done:
			return
		}
	}
}

func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered panic on the session event loop", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// Dispatch queues fn to run on the loop. It blocks while the queue is full and
// reports false once the loop is closed.
func (l *Loop) Dispatch(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.dispatchCh <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits until it returned.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	queued := func() {
		defer close(finished)
		fn()
	}

	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	select {
	case l.dispatchCh <- queued:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until everything queued before the call has run.
func (l *Loop) Sync(ctx context.Context) error {
	return l.Do(ctx, func() {})
}

// Close stops the loop. Queued work that has not started is dropped.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until a started loop has returned.
func (l *Loop) Wait() {
	<-l.stopped
}
