package executor

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is returned by Future.Await when the request's timeout fired
// before a reply arrived.
var ErrCancelled = errors.New("executor: request cancelled")

// ErrDuplicateIdent is the failure reason when a freshly generated ident
// collides with one already outstanding (effectively impossible with
// cryptographic idents; still guarded against).
var ErrDuplicateIdent = errors.New("executor: duplicate request identifier")

// ErrNotProcessed is the failure reason when a request cannot be placed on
// the executor's out-queue because its buffer is full. The sender goroutine
// does not report the broker's own acceptance result back to the future: a
// send the broker refuses leaves the future pending until a timeout or the
// caller's context ends it.
var ErrNotProcessed = errors.New("executor: request could not be processed")

type future struct {
	done      chan struct{}
	once      sync.Once
	mu        sync.Mutex
	result    any
	err       error
	cancelled bool
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) settle(result any, err error, cancelled bool) {
	f.once.Do(func() {
		f.mu.Lock()
		f.result, f.err, f.cancelled = result, err, cancelled
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *future) setResult(v any) { f.settle(v, nil, false) }
func (f *future) setErr(err error) { f.settle(nil, err, false) }
func (f *future) cancel()          { f.settle(nil, nil, true) }

func (f *future) isDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Future is the caller-visible handle returned by Submit/Request.
type Future struct{ f *future }

// Await blocks until the request is fulfilled, fails, is cancelled, or ctx
// is done, whichever comes first.
func (ft Future) Await(ctx context.Context) (any, error) {
	select {
	case <-ft.f.done:
		ft.f.mu.Lock()
		defer ft.f.mu.Unlock()
		if ft.f.cancelled {
			return nil, ErrCancelled
		}
		return ft.f.result, ft.f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed once the future is settled, for use in
// select statements.
func (ft Future) Done() <-chan struct{} { return ft.f.done }
