package gpgpu

import (
	"context"
	"sync"
	"sync/atomic"
)

var fenceCounter atomic.Uint64

// Fence represents the completion of one dispatch.
//
// Dispatches never block: they return a Fence that the caller waits on or
// polls. Waiting with a context that expires does not cancel the work; the
// dispatch stays in flight and must still be reconciled before its Context
// is closed.
type Fence struct {
	id   uint64
	done chan struct{}
	once sync.Once
	err  error
}

// NewFence returns an unsignalled fence. Backends call Signal when the
// work it tracks has finished.
func NewFence() *Fence {
	return &Fence{id: fenceCounter.Add(1), done: make(chan struct{})}
}

// SignalledFence returns a fence that has already completed with err.
func SignalledFence(err error) *Fence {
	f := NewFence()
	f.Signal(err)
	return f
}

// ID returns a process-unique fence identifier.
func (f *Fence) ID() uint64 { return f.id }

// Signal marks the fence complete. Only the first call has an effect.
func (f *Fence) Signal(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed on completion.
func (f *Fence) Done() <-chan struct{} { return f.done }

// Poll reports whether the fence completed, and with what error, without
// blocking.
func (f *Fence) Poll() (bool, error) {
	select {
	case <-f.done:
		return true, f.err
	default:
		return false, nil
	}
}

// Err returns the completion error, or nil while the fence is pending.
func (f *Fence) Err() error {
	_, err := f.Poll()
	return err
}

// Wait blocks until the fence completes or ctx is done. A ctx error leaves
// the dispatch in flight.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	default:
	}
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
