// Package download fetches resolved segment plans concurrently and
// assembles them into track files, licensing and decrypting protected
// tracks along the way.
package download

import (
	"errors"
	"sync"
)

// ErrCancelled marks work abandoned because the run's cancellation flag
// tripped, as opposed to failing in its own right.
var ErrCancelled = errors.New("download cancelled")

// Flag is a trip-once cancellation signal shared by every worker of a
// run. Setting it is idempotent and never blocks; workers observe it
// either by polling IsSet or by selecting on Done.
type Flag struct {
	once sync.Once
	ch   chan struct{}
}

// NewFlag returns an untripped flag.
func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{})}
}

// Set trips the flag.
func (f *Flag) Set() {
	f.once.Do(func() { close(f.ch) })
}

// IsSet reports whether the flag has tripped.
func (f *Flag) IsSet() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the flag trips.
func (f *Flag) Done() <-chan struct{} {
	return f.ch
}
