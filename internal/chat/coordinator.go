package chat

import (
	"context"
	"errors"
)

var ErrStopped = errors.New("coordinator stopped")

// Coordinator owns every piece of mutable chat, message and participant state of
// a session. Mutations are closures executed one at a time on the Run goroutine,
// so no two of them interleave. Network and crypto work happens on the caller's
// goroutine; only the final state change is marshalled here.
//
// Closures must not call Exec themselves: the loop would wait on itself.
type Coordinator struct {
	ops  chan func()
	done chan struct{}
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		ops:  make(chan func(), 64),
		done: make(chan struct{}),
	}
}

// Run is the only goroutine that touches session state. It returns when ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-c.ops:
			op()
		}
	}
}

// Post queues fn without waiting for it.
func (c *Coordinator) Post(fn func()) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.ops <- fn:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// Exec runs fn on the loop and waits for it to finish.
func (c *Coordinator) Exec(fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	if err := c.Post(wrapped); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		// Run may have exited after dequeuing; fn either ran or never will.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}
