package router

import "sync"

// Abort is a shared one-way flag: unset until Set is called, set
// forever after. Capability handlers hold a reference and check it
// cooperatively before producing results.
type Abort struct {
	once sync.Once
	ch   chan struct{}
}

// NewAbort returns an unset abort flag.
func NewAbort() *Abort {
	return &Abort{ch: make(chan struct{})}
}

// Set trips the flag. Safe to call multiple times.
func (a *Abort) Set() {
	a.once.Do(func() {
		close(a.ch)
	})
}

// IsSet reports whether the flag has been tripped.
func (a *Abort) IsSet() bool {
	select {
	case <-a.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the flag is tripped.
func (a *Abort) Done() <-chan struct{} {
	return a.ch
}
