// Package broker implements the Exchange: the single routing loop that owns
// per-recipient FIFO queues and serves send/recv/status/stop commands from
// any goroutine, OS thread, or (via its TCP transport) process.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/unveil-social/von-x/internal/envelope"
)

// ErrBrokerDown is returned by Send/Recv/Status once the routing loop has
// exited, fatally or via Stop, instead of blocking the caller forever.
var ErrBrokerDown = errors.New("broker: routing loop is down")

// ErrUnrecognizedCommand is the error a fatally-exiting routing loop logs
// for a command of unknown kind. The TCP transport does not forward an
// unknown wire method to the loop; it answers it with an error response.
var ErrUnrecognizedCommand = errors.New("broker: unrecognized command")

// Status is a snapshot of the broker's counters.
type Status struct {
	Pending   int
	Processed map[string]int
	Total     int
}

// Bus is the contract every broker implementation (in-process Exchange, or
// a TCP-connected Remote client) satisfies. Both MessageTarget and
// RequestExecutor are written against this interface, not the concrete
// Exchange type, so a RequestExecutor can run in a different process from
// the broker it talks to.
type Bus interface {
	// Send enqueues env for toPID. It returns true on acceptance and
	// blocks only until the broker's command channel is available, or
	// (when the recipient's queue is bounded) until room is available.
	Send(ctx context.Context, toPID string, env envelope.Envelope) (bool, error)
	// Recv pops the head of toPID's queue. If blocking and the queue is
	// empty, it parks until a Send to toPID occurs or timeout elapses
	// (timeout <= 0 means wait indefinitely). It returns ok=false on a
	// non-blocking miss or on timeout expiry.
	Recv(ctx context.Context, toPID string, blocking bool, timeout time.Duration) (env envelope.Envelope, ok bool, err error)
	// Status returns a snapshot of the broker's counters.
	Status(ctx context.Context) (Status, error)
	// Stop terminates the routing loop after draining the current
	// command. Queued envelopes are not drained (see DESIGN.md).
	Stop(ctx context.Context) error
}
