// Package shutdown provides the one-shot broadcast signal observed by every
// long-lived task in the process.
package shutdown

import "sync"

// Bus transitions once, irreversibly, from running to stopping. Many
// readers, one effective writer: Trigger may be called from any goroutine
// but only the first call has an effect.
type Bus struct {
	once sync.Once
	ch   chan struct{}
}

// NewBus returns a bus in the running state.
func NewBus() *Bus {
	return &Bus{ch: make(chan struct{})}
}

// Trigger flips the bus to stopping. Safe to call more than once.
func (b *Bus) Trigger() {
	b.once.Do(func() { close(b.ch) })
}

// Done returns a channel closed when shutdown has been signalled.
func (b *Bus) Done() <-chan struct{} {
	return b.ch
}

// Stopped reports synchronously whether shutdown has been signalled.
func (b *Bus) Stopped() bool {
	select {
	case <-b.ch:
		return true
	default:
		return false
	}
}
