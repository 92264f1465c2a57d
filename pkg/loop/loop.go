// Package loop provides the single script goroutine that owns all
// script-visible state.
//
// Every callback a script author observes (reply lifecycle events, inbound
// HTTP requests) runs on the goroutine executing Loop.Run. Other goroutines
// never call into script state directly; they hand work over with Post, which
// transfers ownership of whatever the task closes over.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/getmockd/scriptbridge/pkg/logging"
)

// ErrStopped is returned by Post once the loop has stopped accepting tasks.
var ErrStopped = errors.New("loop stopped")

// ErrAlreadyRunning is returned when Run is called on a loop that is running.
var ErrAlreadyRunning = errors.New("loop already running")

// Task is a unit of work executed on the loop goroutine.
type Task func()

// Poster hands tasks to the script goroutine. *Loop implements it.
type Poster interface {
	Post(t Task) error
}

// Loop is a FIFO task queue drained by exactly one goroutine.
//
// The queue is unbounded so that Post never blocks the poster; HTTP workers
// must be able to hand off a request and go straight to waiting.
type Loop struct {
	mu      sync.Mutex
	queue   []Task
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	running bool
	log     *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used to report recovered task panics.
func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

// New creates a loop. It does nothing until Run is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post enqueues t for execution on the loop goroutine.
// Tasks run in the order they were posted.
func (l *Loop) Post(t Task) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run executes posted tasks until ctx is cancelled or Stop is called.
// Tasks still queued at that point are run before Run returns, so a task
// that releases a blocked goroutine is never dropped.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.running = true
	l.mu.Unlock()

	for {
		l.drain()

		select {
		case <-l.wake:
		case <-l.done:
			l.shutdown()
			return nil
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		}
	}
}

// Stop makes Run return after draining queued tasks. Safe to call repeatedly.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.done)
}

// Stopped reports whether the loop has stopped accepting tasks.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.done)
	}
	l.mu.Unlock()
	l.drain()
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, t := range batch {
			l.run(t)
		}
	}
}

func (l *Loop) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop task panicked", "panic", r)
		}
	}()
	t()
}
