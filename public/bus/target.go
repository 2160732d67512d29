// Package bus provides MessageTarget, a thin addressing handle binding a
// recipient id, a sender id, and an exchange so senders can call
// Send/SendNoReply ergonomically.
package bus

import (
	"context"

	"github.com/unveil-social/von-x/internal/broker"
	"github.com/unveil-social/von-x/internal/envelope"
)

// MessageTarget holds (recipient pid, exchange, sender pid).
type MessageTarget struct {
	pid      string
	fromPID  string
	exchange broker.Bus
}

// New builds a MessageTarget addressing pid, sending as fromPID.
func New(pid string, exchange broker.Bus, fromPID string) *MessageTarget {
	return &MessageTarget{pid: pid, fromPID: fromPID, exchange: exchange}
}

// PID returns the target's recipient id.
func (t *MessageTarget) PID() string { return t.pid }

// Exchange returns the bound exchange.
func (t *MessageTarget) Exchange() broker.Bus { return t.exchange }

// Send wraps message in an envelope and hands it to the exchange, returning
// the broker's acceptance boolean. An empty fromPID falls back to the
// target's bound sender id.
func (t *MessageTarget) Send(ctx context.Context, ident string, message any, ref string, fromPID string) (bool, error) {
	if fromPID == "" {
		fromPID = t.fromPID
	}
	env := envelope.New(fromPID, ident, message, ref)
	return t.exchange.Send(ctx, t.pid, env)
}

// SendNoReply sends a fire-and-forget notification (no ident).
func (t *MessageTarget) SendNoReply(ctx context.Context, message any, ref string, fromPID string) (bool, error) {
	return t.Send(ctx, "", message, ref, fromPID)
}
