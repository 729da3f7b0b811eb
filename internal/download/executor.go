package download

import (
	"context"
	"sync"
)

// Executor runs notification callbacks on a caller-chosen execution context.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

var (
	// Inline runs callbacks on the dispatcher's delivery goroutine.
	Inline Executor = ExecutorFunc(func(fn func()) { fn() })

	// Go runs every callback on its own goroutine.
	Go Executor = ExecutorFunc(func(fn func()) { go fn() })
)

// SerialExecutor runs submitted functions one at a time, in submission order, on a
// single worker goroutine. Submissions never block.
type SerialExecutor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)

	go e.run()

	return e
}

func (e *SerialExecutor) Execute(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		// Run on a fresh goroutine rather than lose the notification.
		go fn()

		return
	}

	e.pending = append(e.pending, fn)
	e.cond.Signal()
}

// Close stops accepting work and waits until everything already submitted has run.
func (e *SerialExecutor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.cond.Signal()
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *SerialExecutor) run() {
	defer close(e.done)

	for {
		e.mu.Lock()
		for len(e.pending) == 0 && !e.closed {
			e.cond.Wait()
		}

		if len(e.pending) == 0 {
			e.mu.Unlock()

			return
		}

		fn := e.pending[0]
		e.pending[0] = nil
		e.pending = e.pending[1:]
		e.mu.Unlock()

		fn()
	}
}
