// Package worker implements Processor: a long-running worker that polls the
// exchange for messages addressed to its own id and dispatches each to a
// caller-supplied Handler.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/unveil-social/von-x/internal/broker"
	"github.com/unveil-social/von-x/internal/envelope"
	"github.com/unveil-social/von-x/public/bus"
)

// Handler processes one inbound envelope. Returning keepGoing=false
// terminates the poll loop; a non-nil err is caught by the poll loop and
// replied to the sender as an ExchangeError (the poll loop then continues
// regardless of keepGoing, matching the source: an exception never reaches
// the "should I stop" check).
type Handler interface {
	Handle(ctx context.Context, env envelope.Envelope) (keepGoing bool, err error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, env envelope.Envelope) (bool, error)

func (f HandlerFunc) Handle(ctx context.Context, env envelope.Envelope) (bool, error) {
	return f(ctx, env)
}

// Processor is a MessageProcessor: it owns a poll loop on a dedicated
// goroutine, grounded on exchange.py's MessageProcessor._poll_messages.
type Processor struct {
	pid      string
	exchange broker.Bus
	handler  Handler
	log      logr.Logger

	wg sync.WaitGroup
}

// Option configures a Processor at construction.
type Option func(*Processor)

// WithLogger attaches a structured logger. Defaults to a discarding logger.
func WithLogger(l logr.Logger) Option {
	return func(p *Processor) { p.log = l }
}

// New constructs a Processor bound to pid, dispatching to handler.
func New(pid string, exchange broker.Bus, handler Handler, opts ...Option) *Processor {
	p := &Processor{pid: pid, exchange: exchange, handler: handler, log: logr.Discard()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PID returns the processor's own address.
func (p *Processor) PID() string { return p.pid }

// Exchange returns the bound exchange.
func (p *Processor) Exchange() broker.Bus { return p.exchange }

// Target returns a MessageTarget addressing pid, sending as this processor.
func (p *Processor) Target(pid string) *bus.MessageTarget {
	return bus.New(pid, p.exchange, p.pid)
}

// Start spawns the poll loop.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.pollLoop(ctx)
}

// Stop enqueues the stop sentinel addressed to self; the poll loop detects
// it and exits cleanly.
func (p *Processor) Stop(ctx context.Context) (bool, error) {
	return p.Target(p.pid).SendNoReply(ctx, envelope.StopSentinel, "", "")
}

// Join awaits the poll loop's exit.
func (p *Processor) Join() { p.wg.Wait() }

func (p *Processor) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		env, ok, err := p.exchange.Recv(ctx, p.pid, true, 0)
		if err != nil {
			p.log.Error(err, "poll loop aborting: broker unavailable", "pid", p.pid)
			return
		}
		if !ok {
			continue
		}
		if env.IsStop() {
			return
		}

		keepGoing, herr := p.safeHandle(ctx, env)
		if herr != nil {
			p.replyWithError(ctx, env, herr)
			continue
		}
		if !keepGoing {
			return
		}
	}
}

func (p *Processor) safeHandle(ctx context.Context, env envelope.Envelope) (keepGoing bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
			keepGoing = true
		}
	}()
	return p.handler.Handle(ctx, env)
}

// replyWithError applies the no-storm policy: an envelope that is itself an
// ExchangeError is logged, not replied to, to avoid an error ping-pong.
func (p *Processor) replyWithError(ctx context.Context, from envelope.Envelope, cause error) {
	if existing, isErr := from.Message.(*envelope.ExchangeError); isErr {
		p.log.Error(existing, "received error message; not replying to avoid an error storm", "from", from.FromPID, "pid", p.pid)
		return
	}
	errPayload := envelope.NewExchangeError("Exception during message processing", cause.Error())
	if from.FromPID == "" {
		p.log.Error(cause, "cannot reply with error: envelope has no from_pid", "pid", p.pid)
		return
	}
	if _, err := p.Target(from.FromPID).SendNoReply(ctx, errPayload, from.Ident, ""); err != nil {
		p.log.Error(err, "failed to send error reply", "pid", p.pid, "to", from.FromPID)
	}
}
