package jobs

import (
	"context"
	"sync"
	"time"
)

// future is a one-shot resolvable/cancellable cell. It backs completion
// waits, unguard waits, output-field/queue waits, and next-stimulus waits.
//
// Resolution and cancellation are first-write-wins; later calls are no-ops.
type future struct {
	mu      sync.Mutex
	settled bool
	done    chan struct{}
	val     any
	err     error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) resolve(v any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return false
	}
	f.settled = true
	f.val = v
	close(f.done)
	return true
}

func (f *future) cancel(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return false
	}
	if err == nil {
		err = ErrCancelled
	}
	f.settled = true
	f.err = err
	close(f.done)
	return true
}

func (f *future) isSettled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

func (f *future) wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.val, f.err
	}
}

// waitTimeout waits like wait but additionally gives up after d, returning
// errWaitTimeout. d <= 0 means no timeout.
func (f *future) waitTimeout(ctx context.Context, d time.Duration) (any, error) {
	if d <= 0 {
		return f.wait(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, errWaitTimeout
	case <-f.done:
		return f.val, f.err
	}
}
