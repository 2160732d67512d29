package executor

import "time"

// RequestTarget is the C6 collaborator contract: a handle bound to a single
// recipient pid, offering Request as sugar over Executor.Submit so callers
// don't have to repeat the destination on every call.
type RequestTarget struct {
	executor *Executor
	pid      string
}

// NewRequestTarget binds an Executor to a fixed destination pid.
func NewRequestTarget(e *Executor, pid string) *RequestTarget {
	return &RequestTarget{executor: e, pid: pid}
}

// Target is sugar for NewRequestTarget(e, pid).
func (e *Executor) Target(pid string) *RequestTarget {
	return NewRequestTarget(e, pid)
}

// PID returns the bound destination.
func (t *RequestTarget) PID() string { return t.pid }

// Executor returns the underlying executor.
func (t *RequestTarget) Executor() *Executor { return t.executor }

// Request submits payload to the bound destination and returns a Future for
// the correlated reply. timeout <= 0 means wait indefinitely.
func (t *RequestTarget) Request(payload any, timeout time.Duration) Future {
	return t.executor.Submit(t.pid, payload, timeout)
}
