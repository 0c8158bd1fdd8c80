package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Outcome is the resolved result of one refresh, shared by every caller that
// waited on it.
type Outcome struct {
	AccessToken string
	Err         error
}

// RefreshFunc performs one refresh and returns the new access token.
type RefreshFunc func(ctx context.Context) (string, error)

// Coordinator runs at most one refresh at a time and fans its outcome out to
// every caller that arrived while it was in flight.
//
// Invariant: waiters is non-empty only while inFlight is true. Resolution
// resets inFlight and drains waiters in one critical section, before any
// outcome is delivered.
type Coordinator struct {
	timeout time.Duration

	mu       sync.Mutex
	inFlight bool
	waiters  []chan Outcome
}

// NewCoordinator returns a Coordinator. A positive timeout bounds each refresh.
func NewCoordinator(timeout time.Duration) *Coordinator {
	return &Coordinator{timeout: timeout}
}

// Do joins the in-flight refresh or starts one. leader reports whether this
// call started it.
//
// The refresh runs on a context detached from ctx, so a leader whose own
// request is cancelled does not fail the other waiters. If ctx ends first, Do
// returns ctx.Err() and the caller's slot is still drained on resolution.
func (c *Coordinator) Do(ctx context.Context, refresh RefreshFunc) (out Outcome, leader bool) {
	ch := make(chan Outcome, 1)

	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	leader = !c.inFlight
	c.inFlight = true
	c.mu.Unlock()

	if leader {
		go c.run(context.WithoutCancel(ctx), refresh)
	}

	select {
	case out = <-ch:
		return out, leader
	case <-ctx.Done():
		return Outcome{Err: ctx.Err()}, leader
	}
}

// InFlight reports whether a refresh is currently running.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Pending returns the number of callers waiting on the current refresh,
// leader included.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Coordinator) run(ctx context.Context, refresh RefreshFunc) {
	var out Outcome
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: fmt.Errorf("%w: refresh panicked: %v", ErrSessionExpired, r)}
		}
		c.resolve(out)
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	tok, err := refresh(ctx)
	out = Outcome{AccessToken: tok, Err: err}
}

func (c *Coordinator) resolve(out Outcome) {
	c.mu.Lock()
	ws := c.waiters
	c.waiters = nil
	c.inFlight = false
	c.mu.Unlock()

	// FIFO: enqueue order.
	for _, w := range ws {
		w <- out
	}
}
