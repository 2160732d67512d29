// Package executor implements Executor: a per-process async client layered
// on top of the bus that tags outgoing requests with unique idents, parks
// callers on futures, correlates replies by ref, and isolates the
// cooperative task loop from the broker's blocking send/recv calls.
package executor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/unveil-social/von-x/internal/broker"
	"github.com/unveil-social/von-x/internal/envelope"
	"github.com/unveil-social/von-x/public/eventloop"
)

type outMsg struct {
	toPID string
	env   envelope.Envelope
	stop  bool
	ack   chan struct{}
}

// Executor's threading topology: one cooperative task loop
// (eventloop.Runner), one permanently-resident blocking sender goroutine,
// and one permanently-resident blocking poll goroutine.
type Executor struct {
	pid      string
	exchange broker.Bus
	runner   *eventloop.Runner
	identGen func() string
	log      logr.Logger

	reqMu    sync.Mutex
	requests map[string]*future

	outQueue chan outMsg

	httpOnce sync.Once
	http     *http.Client

	wg sync.WaitGroup
}

// Option configures an Executor at construction.
type Option func(*Executor)

// WithLogger attaches a structured logger. Defaults to a discarding logger.
func WithLogger(l logr.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithPoolSize sets the bounded worker pool size of the executor's event
// loop runner (its RunInExecutor pool). The sender and poll goroutines are
// started directly by Start and do not draw on this pool.
func WithPoolSize(n int) Option {
	return func(e *Executor) { e.runner = eventloop.New(n) }
}

// WithIdentGen overrides request ident generation (tests use this for
// determinism; production code should accept the cryptographically random
// default).
func WithIdentGen(fn func() string) Option {
	return func(e *Executor) { e.identGen = fn }
}

// New constructs an Executor bound to pid, talking to exchange.
func New(pid string, exchange broker.Bus, opts ...Option) *Executor {
	e := &Executor{
		pid:      pid,
		exchange: exchange,
		identGen: defaultIdent,
		log:      logr.Discard(),
		requests: make(map[string]*future),
		outQueue: make(chan outMsg, 100000), // approximates the source's unbounded out_queue
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.runner == nil {
		e.runner = eventloop.New(16)
	}
	return e
}

// PID returns the executor's own address.
func (e *Executor) PID() string { return e.pid }

// Exchange returns the bound exchange.
func (e *Executor) Exchange() broker.Bus { return e.exchange }

// HTTPClient lazily constructs the shared HTTP connection pool, reused
// across every call site that needs one.
func (e *Executor) HTTPClient() *http.Client {
	e.httpOnce.Do(func() {
		e.http = &http.Client{}
	})
	return e.http
}

// Start spawns the task loop, the sender goroutine, and the poll goroutine.
func (e *Executor) Start(ctx context.Context) error {
	if err := e.runner.Start(true); err != nil {
		return err
	}
	e.wg.Add(2)
	go e.sendLoop()
	go e.pollLoop(ctx)
	return nil
}

// Stop sends a stop sentinel to self, drains the out-queue, stops the task
// runner, and closes the HTTP connector.
func (e *Executor) Stop(ctx context.Context, wait bool) error {
	if _, err := e.exchange.Send(ctx, e.pid, envelope.New(e.pid, "", envelope.StopSentinel, "")); err != nil {
		e.log.Error(err, "failed to send stop sentinel to self", "pid", e.pid)
	}

	ack := make(chan struct{})
	e.outQueue <- outMsg{stop: true, ack: ack}
	if wait {
		<-ack
		e.wg.Wait()
	}

	if err := e.runner.Stop(wait); err != nil {
		return err
	}
	if e.http != nil {
		e.http.CloseIdleConnections()
	}
	return nil
}

// Join awaits the sender and poll goroutines' exit.
func (e *Executor) Join() { e.wg.Wait() }

func (e *Executor) sendLoop() {
	defer e.wg.Done()
	ctx := context.Background()
	for m := range e.outQueue {
		if m.stop {
			if m.ack != nil {
				close(m.ack)
			}
			return
		}
		if _, err := e.exchange.Send(ctx, m.toPID, m.env); err != nil {
			e.log.Error(err, "exchange send failed", "to", m.toPID, "pid", e.pid)
		}
	}
}

func (e *Executor) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		env, ok, err := e.exchange.Recv(ctx, e.pid, true, 0)
		if err != nil {
			e.log.Error(err, "poll loop aborting: broker unavailable", "pid", e.pid)
			return
		}
		if !ok {
			continue
		}
		if env.IsStop() {
			return
		}
		e.runner.RunTask(func(ctx context.Context) {
			e.handleMessageTask(ctx, env)
		})
	}
}

// Submit generates an ident, parks a future, enqueues for the sender
// goroutine, and arranges cancellation on timeout. The dispatch itself is
// scheduled onto the cooperative task loop, mirroring the source's
// `self.run_task(self._send_request(...))`.
func (e *Executor) Submit(toPID string, payload any, timeout time.Duration) Future {
	fut := newFuture()
	e.runner.RunTask(func(ctx context.Context) {
		e.sendRequest(toPID, payload, fut, timeout)
	})
	return Future{fut}
}

func (e *Executor) sendRequest(toPID string, payload any, fut *future, timeout time.Duration) {
	ident := e.identGen()

	e.reqMu.Lock()
	if _, exists := e.requests[ident]; exists {
		e.reqMu.Unlock()
		fut.setErr(ErrDuplicateIdent)
		return
	}
	e.requests[ident] = fut
	e.reqMu.Unlock()

	env := envelope.New(e.pid, ident, payload, "")
	if !e.enqueueOut(toPID, env) {
		e.reqMu.Lock()
		delete(e.requests, ident)
		e.reqMu.Unlock()
		fut.setErr(ErrNotProcessed)
		return
	}

	if timeout > 0 {
		time.AfterFunc(timeout, func() {
			e.reqMu.Lock()
			defer e.reqMu.Unlock()
			if f, ok := e.requests[ident]; ok && !f.isDone() {
				f.cancel()
			}
		})
	}
}

// enqueueOut performs the "Enqueue (to_pid, envelope) on out_queue
// (non-blocking)" step. The out-queue's buffer approximates the source's
// unbounded Python Queue (see DESIGN.md); only a buffer genuinely full to
// capacity is reported as rejected.
func (e *Executor) enqueueOut(toPID string, env envelope.Envelope) bool {
	select {
	case e.outQueue <- outMsg{toPID: toPID, env: env}:
		return true
	default:
		return false
	}
}

// handleMessageTask wraps handleMessage with the same panic-to-ExchangeError
// policy as MessageProcessor's poll loop.
func (e *Executor) handleMessageTask(ctx context.Context, env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			e.replyWithError(ctx, env, fmt.Errorf("panic while handling message: %v", r))
		}
	}()
	handled := e.handleMessage(env)
	if !handled {
		e.log.V(1).Info("unhandled message", "pid", e.pid, "from", env.FromPID, "ref", env.Ref)
	}
}

// handleMessage correlates an inbound reply against a parked request by ref,
// and sweeps the requests map of anything already settled.
func (e *Executor) handleMessage(env envelope.Envelope) bool {
	if env.Ref == "" {
		return false
	}

	e.reqMu.Lock()
	defer e.reqMu.Unlock()

	handled := false
	if f, ok := e.requests[env.Ref]; ok {
		if !f.isDone() {
			f.setResult(env.Message)
		}
		handled = true
	}

	for id, f := range e.requests {
		if f.isDone() {
			delete(e.requests, id)
		}
	}
	return handled
}

func (e *Executor) replyWithError(ctx context.Context, from envelope.Envelope, cause error) {
	if existing, isErr := from.Message.(*envelope.ExchangeError); isErr {
		e.log.Error(existing, "received error message; not replying to avoid an error storm", "from", from.FromPID, "pid", e.pid)
		return
	}
	if from.FromPID == "" {
		e.log.Error(cause, "cannot reply with error: envelope has no from_pid", "pid", e.pid)
		return
	}
	errPayload := envelope.NewExchangeError("Exception during message processing", cause.Error())
	e.enqueueOut(from.FromPID, envelope.New(e.pid, "", errPayload, from.Ident))
}
