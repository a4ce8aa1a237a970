package source

import (
	"context"
	"io"
	"sync"
)

// Inbox buffers updates pushed by a platform's callbacks until the connector
// asks for them. Push blocks while the buffer is full so a slow consumer
// suspends the platform callback instead of losing updates.
type Inbox struct {
	updates chan Update
	errs    chan error
	closed  chan struct{}
	once    sync.Once
}

// NewInbox returns an Inbox buffering up to size updates.
func NewInbox(size int) *Inbox {
	if size < 1 {
		size = 1
	}
	return &Inbox{
		updates: make(chan Update, size),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// Push queues u. It returns false if the inbox was closed first.
func (b *Inbox) Push(u Update) bool {
	select {
	case <-b.closed:
		return false
	default:
	}
	select {
	case b.updates <- u:
		return true
	case <-b.closed:
		return false
	}
}

// PushContext is Push that also gives up when ctx ends. Platform callbacks
// use it so a client shutting down is never held by a full inbox.
func (b *Inbox) PushContext(ctx context.Context, u Update) bool {
	select {
	case <-b.closed:
		return false
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case b.updates <- u:
		return true
	case <-b.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// Fail records a terminal session error. Only the first one is kept.
func (b *Inbox) Fail(err error) {
	select {
	case b.errs <- err:
	default:
	}
}

// Next returns the next queued update. Buffered updates are returned before
// a recorded failure. After Close it returns io.EOF.
func (b *Inbox) Next(ctx context.Context) (Update, error) {
	select {
	case u := <-b.updates:
		return u, nil
	default:
	}
	select {
	case u := <-b.updates:
		return u, nil
	case err := <-b.errs:
		return nil, err
	case <-b.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases blocked producers. It is idempotent.
func (b *Inbox) Close() {
	b.once.Do(func() { close(b.closed) })
}

// Len returns the number of buffered updates.
func (b *Inbox) Len() int { return len(b.updates) }
