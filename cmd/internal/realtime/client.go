package realtime

import (
	"sync"

	v1 "modeler/shared/contracts/session/v1"
)

// Client is one connected stream subscriber.
//
// Send carries replies to client frames; session events come from the
// subscriber's own session subscription. Send is never closed so late
// enqueues cannot panic. Close is idempotent.
type Client struct {
	ID   string
	Name string
	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded reply queue.
func NewClient(id string, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Client{
		ID:   id,
		Send: make(chan v1.Envelope, queueSize),
		done: make(chan struct{}),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() { close(c.done) })
}
