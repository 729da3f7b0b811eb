package download

import (
	"context"
	"sync"
)

type EventKind int

const (
	EventStarted EventKind = iota
	EventProgress
	EventStateChanged
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventStateChanged:
		return "state_changed"
	default:
		return "unknown"
	}
}

// Update is one notification about a download.
type Update struct {
	Kind EventKind
	Snapshot
}

// UpdateFunc receives notifications for a download.
type UpdateFunc func(Update)

// Dispatcher hands notifications to executors. Deliveries sharing a key run in the
// order they were dispatched; different keys are independent. Dispatch only
// appends to an unbounded mailbox, so a slow executor delays delivery but never
// blocks the caller and never loses a notification.
type Dispatcher struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox
	// idle is closed whenever no mailbox has pending deliveries.
	idle chan struct{}
}

type mailbox struct {
	pending []delivery
}

type delivery struct {
	exec Executor
	fn   func()
}

func NewDispatcher() *Dispatcher {
	idle := make(chan struct{})
	close(idle)

	return &Dispatcher{mailboxes: make(map[string]*mailbox), idle: idle}
}

func (d *Dispatcher) Dispatch(key string, exec Executor, fn func()) {
	if exec == nil {
		exec = Inline
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if mb, ok := d.mailboxes[key]; ok {
		mb.pending = append(mb.pending, delivery{exec: exec, fn: fn})

		return
	}

	if len(d.mailboxes) == 0 {
		d.idle = make(chan struct{})
	}

	mb := &mailbox{pending: []delivery{{exec: exec, fn: fn}}}
	d.mailboxes[key] = mb

	go d.drain(key, mb)
}

// Wait blocks until every dispatched notification has been delivered.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) drain(key string, mb *mailbox) {
	for {
		d.mu.Lock()
		if len(mb.pending) == 0 {
			delete(d.mailboxes, key)
			if len(d.mailboxes) == 0 {
				close(d.idle)
			}
			d.mu.Unlock()

			return
		}

		next := mb.pending[0]
		mb.pending[0] = delivery{}
		mb.pending = mb.pending[1:]
		d.mu.Unlock()

		// Wait for the executor to finish this delivery before handing over the
		// next one so concurrent executors cannot reorder a single key.
		done := make(chan struct{})
		next.exec.Execute(func() {
			defer close(done)
			next.fn()
		})
		<-done
	}
}
