package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"

	"github.com/unveil-social/von-x/internal/envelope"
)

type cmdKind int

const (
	cmdSend cmdKind = iota
	cmdRecv
	cmdStatus
	cmdStop
	cmdUnknown // any kind outside the four above; fatal to the loop.
)

type command struct {
	kind  cmdKind
	toPID string
	env   envelope.Envelope
	reply chan cmdReply
}

type cmdReply struct {
	ok     bool
	full   bool
	env    envelope.Envelope
	status Status
}

// Exchange is a single-owner routing loop: all interactions are serialized
// through one command channel so that the queue/processed/pending state
// needs no internal locking at all — only the loop goroutine ever touches
// it.
type Exchange struct {
	maxQueueSize int
	log          logr.Logger

	cmdCh   chan command
	wake    *broadcaster
	started chan struct{}
	stopped chan struct{}

	// loop-owned state (touched only inside run()).
	queue     map[string][]envelope.Envelope
	processed map[string]int
	pending   int
}

// Option configures an Exchange at construction.
type Option func(*Exchange)

// WithMaxQueueSize bounds every recipient's FIFO queue. A Send to a full
// queue blocks the caller (not the routing loop) until room is available.
// 0 (the default) means unbounded, matching the source's behavior.
func WithMaxQueueSize(n int) Option {
	return func(x *Exchange) { x.maxQueueSize = n }
}

// WithLogger attaches a structured logger. Defaults to a discarding logger.
func WithLogger(l logr.Logger) Option {
	return func(x *Exchange) { x.log = l }
}

// New constructs an Exchange. It must be started with Start before any
// Send/Recv/Status call will make progress.
func New(opts ...Option) *Exchange {
	x := &Exchange{
		log:       logr.Discard(),
		cmdCh:     make(chan command),
		wake:      newBroadcaster(),
		started:   make(chan struct{}),
		stopped:   make(chan struct{}),
		queue:     make(map[string][]envelope.Envelope),
		processed: make(map[string]int),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Start spawns the routing loop on its own goroutine and blocks until it
// signals readiness. Re-starting an Exchange is not supported.
func (x *Exchange) Start(ctx context.Context) error {
	go x.run(ctx)
	<-x.started
	return nil
}

func (x *Exchange) run(ctx context.Context) {
	defer close(x.stopped)
	close(x.started)
	for {
		select {
		case cmd := <-x.cmdCh:
			if !x.dispatch(cmd) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch handles one command. It returns false when the loop should exit
// (a stop command, or a fatal/unrecognized command).
func (x *Exchange) dispatch(cmd command) bool {
	switch cmd.kind {
	case cmdSend:
		if x.maxQueueSize > 0 && len(x.queue[cmd.toPID]) >= x.maxQueueSize {
			cmd.reply <- cmdReply{ok: false, full: true}
			return true
		}
		x.queue[cmd.toPID] = append(x.queue[cmd.toPID], cmd.env)
		x.pending++
		cmd.reply <- cmdReply{ok: true}
		return true

	case cmdRecv:
		q := x.queue[cmd.toPID]
		if len(q) == 0 {
			cmd.reply <- cmdReply{ok: false}
			return true
		}
		env := q[0]
		x.queue[cmd.toPID] = q[1:]
		x.processed[cmd.toPID]++
		x.pending--
		cmd.reply <- cmdReply{ok: true, env: env}
		return true

	case cmdStatus:
		processedCopy := make(map[string]int, len(x.processed))
		total := 0
		for k, v := range x.processed {
			processedCopy[k] = v
			total += v
		}
		cmd.reply <- cmdReply{status: Status{Pending: x.pending, Processed: processedCopy, Total: total}}
		x.log.V(1).Info("status", "pending", x.pending, "total", total, "backlog", humanize.Comma(int64(x.pending)))
		return true

	case cmdStop:
		cmd.reply <- cmdReply{ok: true}
		return false

	default:
		x.log.Error(ErrUnrecognizedCommand, "routing loop exiting on fatal command", "kind", cmd.kind)
		if cmd.reply != nil {
			cmd.reply <- cmdReply{ok: false}
		}
		return false
	}
}

// call performs one command-channel round trip, honoring ctx cancellation
// and returning ErrBrokerDown once the loop has exited.
func (x *Exchange) call(ctx context.Context, cmd command) (cmdReply, error) {
	select {
	case <-x.stopped:
		return cmdReply{}, ErrBrokerDown
	default:
	}
	select {
	case x.cmdCh <- cmd:
	case <-x.stopped:
		return cmdReply{}, ErrBrokerDown
	case <-ctx.Done():
		return cmdReply{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r, nil
	case <-x.stopped:
		return cmdReply{}, ErrBrokerDown
	case <-ctx.Done():
		return cmdReply{}, ctx.Err()
	}
}

// Send implements Bus. See bus.go for the contract.
func (x *Exchange) Send(ctx context.Context, toPID string, env envelope.Envelope) (bool, error) {
	for {
		// Acquire the wait channel before the round trip so a Recv that
		// drains room and broadcasts while the cmdSend call is in flight (or
		// in the window right after it returns) still closes the channel
		// we're about to select on, instead of retiring a generation we
		// never observed.
		waitCh := x.wake.wait()

		r, err := x.call(ctx, command{kind: cmdSend, toPID: toPID, env: env, reply: make(chan cmdReply, 1)})
		if err != nil {
			return false, err
		}
		if r.ok {
			x.wake.broadcast()
			return true, nil
		}
		if !r.full {
			return false, nil
		}
		// Bounded queue is full: block the caller, not the routing loop,
		// until a Recv drains room (signalled via the same broadcaster).
		select {
		case <-waitCh:
		case <-x.stopped:
			return false, ErrBrokerDown
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Recv implements Bus. A finite timeout is a *total* wait budget: the call
// retries across broadcast wakeups until either a message is found or the
// deadline passes (see DESIGN.md Open Question 1).
func (x *Exchange) Recv(ctx context.Context, toPID string, blocking bool, timeout time.Duration) (envelope.Envelope, bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		// Acquire the wait channel before the round trip so a Send that
		// enqueues and broadcasts while the cmdRecv call is in flight (or in
		// the window right after it returns empty) still closes the channel
		// we're about to select on, instead of retiring a generation we
		// never observed — otherwise the message could sit queued while we
		// park on a fresh generation that nothing will ever close.
		waitCh := x.wake.wait()

		r, err := x.call(ctx, command{kind: cmdRecv, toPID: toPID, reply: make(chan cmdReply, 1)})
		if err != nil {
			return envelope.Envelope{}, false, err
		}
		if r.ok {
			x.wake.broadcast() // a slot opened up; wake any backpressured senders
			return r.env, true, nil
		}
		if !blocking {
			return envelope.Envelope{}, false, nil
		}
		if timeout <= 0 {
			select {
			case <-waitCh:
				continue
			case <-x.stopped:
				return envelope.Envelope{}, false, ErrBrokerDown
			case <-ctx.Done():
				return envelope.Envelope{}, false, ctx.Err()
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return envelope.Envelope{}, false, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-waitCh:
			timer.Stop()
			continue
		case <-timer.C:
			return envelope.Envelope{}, false, nil
		case <-x.stopped:
			timer.Stop()
			return envelope.Envelope{}, false, ErrBrokerDown
		case <-ctx.Done():
			timer.Stop()
			return envelope.Envelope{}, false, ctx.Err()
		}
	}
}

// Status implements Bus.
func (x *Exchange) Status(ctx context.Context) (Status, error) {
	r, err := x.call(ctx, command{kind: cmdStatus, reply: make(chan cmdReply, 1)})
	if err != nil {
		return Status{}, err
	}
	return r.status, nil
}

// Stop implements Bus.
func (x *Exchange) Stop(ctx context.Context) error {
	_, err := x.call(ctx, command{kind: cmdStop, reply: make(chan cmdReply, 1)})
	if err == ErrBrokerDown {
		return nil // already stopped
	}
	return err
}

// String renders a human-readable status line.
func (s Status) String() string {
	return fmt.Sprintf("pending=%s total=%s recipients=%d",
		humanize.Comma(int64(s.Pending)), humanize.Comma(int64(s.Total)), len(s.Processed))
}
