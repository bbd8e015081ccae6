package native

import (
	"context"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpgpu"
)

// submission is one queue submission waiting for the device.
type submission struct {
	index   uint64
	fence   *gpgpu.Fence
	release func()
}

// tracker submits command buffers and retires them in submission order.
// A single goroutine polls the queue while work is outstanding and sleeps
// otherwise.
type tracker struct {
	queue hal.Queue
	poll  time.Duration

	mu      sync.Mutex
	pending []submission
	last    uint64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newTracker(q hal.Queue, poll time.Duration) *tracker {
	t := &tracker{
		queue: q,
		poll:  poll,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *tracker) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// submit hands cmds to the queue. f is signalled and release is called
// once the device reports the submission complete.
func (t *tracker) submit(cmds []hal.CommandBuffer, f *gpgpu.Fence, release func()) error {
	t.mu.Lock()
	idx, err := t.queue.Submit(cmds)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.last = idx
	t.pending = append(t.pending, submission{index: idx, fence: f, release: release})
	t.mu.Unlock()
	t.notify()
	return nil
}

// after runs release and signals f once everything submitted so far has
// completed. Either may be nil.
func (t *tracker) after(f *gpgpu.Fence, release func()) {
	t.mu.Lock()
	t.pending = append(t.pending, submission{index: t.last, fence: f, release: release})
	t.mu.Unlock()
	t.notify()
}

// idle waits for all submitted work, bounded by ctx.
func (t *tracker) idle(ctx context.Context) error {
	f := gpgpu.NewFence()
	t.after(f, nil)
	return f.Wait(ctx)
}

// completed polls the queue. Submit and PollCompleted are serialized by
// mu.
func (t *tracker) completed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.PollCompleted()
}

func (t *tracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *tracker) run() {
	defer close(t.done)
	timer := time.NewTimer(t.poll)
	defer timer.Stop()
	for {
		t.retire(t.completed())
		if t.outstanding() == 0 {
			select {
			case <-t.wake:
				continue
			case <-t.stop:
				return
			}
		}
		timer.Reset(t.poll)
		select {
		case <-timer.C:
		case <-t.stop:
			return
		}
	}
}

// retire completes every submission up to index completed.
func (t *tracker) retire(completed uint64) {
	t.mu.Lock()
	n := 0
	for n < len(t.pending) && t.pending[n].index <= completed {
		n++
	}
	done := append([]submission(nil), t.pending[:n]...)
	t.pending = append(t.pending[:0], t.pending[n:]...)
	t.mu.Unlock()

	for _, s := range done {
		if s.release != nil {
			s.release()
		}
		if s.fence != nil {
			s.fence.Signal(nil)
		}
	}
}

// close stops polling, waits for the device and retires what is left.
// Fences still pending are signalled with err.
func (t *tracker) close(device hal.Device) error {
	close(t.stop)
	<-t.done
	err := device.WaitIdle()

	t.mu.Lock()
	rest := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, s := range rest {
		if s.release != nil {
			s.release()
		}
		if s.fence != nil {
			s.fence.Signal(err)
		}
	}
	return err
}
