// Package lifecycle implements the two-phase cancellation protocol shared by
// tasks and tool instances: a cancellation is requested once, the running
// work is asked to stop, and the requester waits for the work to settle or
// for a watchdog to expire.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"
)

// WatchdogTimeout is the deadline for cooperative cancellation.
const WatchdogTimeout = 5 * time.Second

var (
	// ErrCancelInProgress is returned when a cancellation was already requested.
	ErrCancelInProgress = errors.New("cancellation already in progress")

	// ErrCancelTimeout is returned when the work did not settle before the
	// watchdog expired. The true state of the work is then unknown.
	ErrCancelTimeout = errors.New("cancellation timed out")
)

// Cancellation records a pending cancellation request. The zero value is
// ready to use.
type Cancellation struct {
	mu        sync.Mutex
	requested bool
	closed    bool
	signal    chan struct{}
	resolved  chan struct{}
}

func (c *Cancellation) init() {
	if c.resolved == nil {
		c.resolved = make(chan struct{})
		c.signal = make(chan struct{})
	}
}

// Request marks the cancellation as requested and returns a channel that is
// closed once Resolve is called.
func (c *Cancellation) Request() (<-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.requested {
		return nil, ErrCancelInProgress
	}
	c.init()
	c.requested = true
	close(c.signal)
	return c.resolved, nil
}

// Signal returns a channel that is closed once a cancellation is requested.
func (c *Cancellation) Signal() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	return c.signal
}

// Requested reports whether a cancellation has been requested.
func (c *Cancellation) Requested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested
}

// Resolve releases everyone waiting on the pending request. It is a no-op
// when nothing was requested or the request is already resolved.
func (c *Cancellation) Resolve() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.requested || c.closed {
		return
	}
	c.closed = true
	close(c.resolved)
}

// Await blocks until resolved is closed, the watchdog fires or ctx is done.
func Await(ctx context.Context, resolved <-chan struct{}, watchdog time.Duration) error {
	timer := time.NewTimer(watchdog)
	defer timer.Stop()

	select {
	case <-resolved:
		return nil
	case <-timer.C:
		return ErrCancelTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
