// Package eventloop implements a cooperative task loop paired with a bounded
// worker pool for blocking work: one dispatch goroutine serializes
// lightweight tasks (RunTask), while RunInExecutor offloads blocking calls
// to a fixed-size pool so they never stall the dispatch goroutine.
package eventloop

import (
	"context"
	"sync"
)

// Task is a unit of cooperative work. Tasks scheduled via RunTask all run
// on the same dispatch goroutine, serialized with each other — the Go
// analogue of asyncio's single-threaded event loop.
type Task func(ctx context.Context)

// Runner owns one cooperative dispatch goroutine and a bounded pool of
// worker goroutines for blocking calls. All methods are safe to call from
// any goroutine.
type Runner struct {
	tasks chan Task
	sem   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	loopDone chan struct{}
	poolWG   sync.WaitGroup
}

// New constructs a Runner with the given bounded pool size for
// RunInExecutor. poolSize <= 0 defaults to 1.
func New(poolSize int) *Runner {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Runner{
		tasks:    make(chan Task, 256),
		sem:      make(chan struct{}, poolSize),
		loopDone: make(chan struct{}),
	}
}

// Start spawns the dispatch goroutine. wait is accepted for symmetry with
// Stop(wait) but Start itself never blocks the caller: the dispatch
// goroutine's readiness has no externally observable side effect to wait on.
func (r *Runner) Start(wait bool) error {
	r.ctx, r.cancel = context.WithCancel(context.Background())
	go r.loop()
	return nil
}

func (r *Runner) loop() {
	defer close(r.loopDone)
	for {
		select {
		case t := <-r.tasks:
			t(r.ctx)
		case <-r.ctx.Done():
			return
		}
	}
}

// RunTask schedules fn to run on the dispatch goroutine, FIFO with respect
// to other tasks scheduled via RunTask. It does not wait for fn to run.
func (r *Runner) RunTask(fn Task) {
	select {
	case r.tasks <- fn:
	case <-r.ctx.Done():
	}
}

// RunInExecutor offloads a blocking call to the bounded worker pool,
// outside the cooperative dispatch goroutine. It does not wait for fn to
// finish.
func (r *Runner) RunInExecutor(fn func()) {
	r.poolWG.Add(1)
	go func() {
		defer r.poolWG.Done()
		select {
		case r.sem <- struct{}{}:
		case <-r.ctx.Done():
			return
		}
		defer func() { <-r.sem }()
		fn()
	}()
}

// Stop cancels the dispatch loop. When wait is true, it blocks until the
// dispatch goroutine has exited and every in-flight pooled task has
// returned.
func (r *Runner) Stop(wait bool) error {
	r.cancel()
	if wait {
		<-r.loopDone
		r.poolWG.Wait()
	}
	return nil
}

// Join blocks until every in-flight RunInExecutor task has returned. Unlike
// Stop(true), it does not wait for (or require) the dispatch loop to exit —
// a caller that only wants to drain the pool can call Join without
// cancelling the loop.
func (r *Runner) Join() {
	r.poolWG.Wait()
}
