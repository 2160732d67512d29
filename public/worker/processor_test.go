package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unveil-social/von-x/internal/broker"
	"github.com/unveil-social/von-x/internal/envelope"
)

func newStarted(t *testing.T) (*broker.Exchange, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	x := broker.New()
	if err := x.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return x, ctx
}

func TestProcessorDispatchesToHandler(t *testing.T) {
	x, ctx := newStarted(t)

	received := make(chan string, 1)
	p := New("worker", x, HandlerFunc(func(ctx context.Context, env envelope.Envelope) (bool, error) {
		received <- env.Message.(string)
		return true, nil
	}))
	p.Start(ctx)
	defer func() {
		p.Stop(ctx)
		p.Join()
	}()

	if _, err := x.Send(ctx, "worker", envelope.New("sender", "", "do-work", "")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg != "do-work" {
			t.Fatalf("handler received %q, want do-work", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler was never invoked")
	}
}

func TestProcessorStopsOnSentinel(t *testing.T) {
	x, ctx := newStarted(t)

	p := New("worker", x, HandlerFunc(func(ctx context.Context, env envelope.Envelope) (bool, error) {
		t.Fatalf("handler should not run after stop sentinel")
		return true, nil
	}))
	p.Start(ctx)

	if ok, err := p.Stop(ctx); err != nil || !ok {
		t.Fatalf("Stop: ok=%v err=%v", ok, err)
	}

	done := make(chan struct{})
	go func() { p.Join(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("poll loop did not exit after stop sentinel")
	}
}

func TestProcessorHandlerErrorRepliesAndKeepsPolling(t *testing.T) {
	x, ctx := newStarted(t)

	calls := 0
	p := New("worker", x, HandlerFunc(func(ctx context.Context, env envelope.Envelope) (bool, error) {
		calls++
		if calls == 1 {
			return true, errors.New("boom")
		}
		return true, nil
	}))
	p.Start(ctx)
	defer func() {
		p.Stop(ctx)
		p.Join()
	}()

	if _, err := x.Send(ctx, "worker", envelope.New("sender", "req-1", "bad", "")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	env, ok, err := x.Recv(ctx, "sender", true, time.Second)
	if err != nil || !ok {
		t.Fatalf("Recv reply: ok=%v err=%v", ok, err)
	}
	exErr, isErr := env.Message.(*envelope.ExchangeError)
	if !isErr {
		t.Fatalf("reply message type = %T, want *envelope.ExchangeError", env.Message)
	}
	if exErr.ExcInfo != "boom" {
		t.Fatalf("ExcInfo = %q, want boom", exErr.ExcInfo)
	}
	if env.Ref != "req-1" {
		t.Fatalf("Ref = %q, want req-1 (correlated to the original ident)", env.Ref)
	}

	// The loop must not have stopped: a second message is still handled.
	if _, err := x.Send(ctx, "worker", envelope.New("sender", "", "second", "")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if calls < 2 {
		t.Fatalf("handler called %d times, want >= 2 (loop should continue past an error)", calls)
	}
}

func TestProcessorHandlerPanicRecoversAndReplies(t *testing.T) {
	x, ctx := newStarted(t)

	p := New("worker", x, HandlerFunc(func(ctx context.Context, env envelope.Envelope) (bool, error) {
		panic("kaboom")
	}))
	p.Start(ctx)
	defer func() {
		p.Stop(ctx)
		p.Join()
	}()

	if _, err := x.Send(ctx, "worker", envelope.New("sender", "req-1", "trigger", "")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	env, ok, err := x.Recv(ctx, "sender", true, time.Second)
	if err != nil || !ok {
		t.Fatalf("Recv reply: ok=%v err=%v", ok, err)
	}
	if _, isErr := env.Message.(*envelope.ExchangeError); !isErr {
		t.Fatalf("reply message type = %T, want *envelope.ExchangeError", env.Message)
	}
}

func TestProcessorDoesNotReplyToInboundExchangeError(t *testing.T) {
	x, ctx := newStarted(t)

	calls := 0
	p := New("worker", x, HandlerFunc(func(ctx context.Context, env envelope.Envelope) (bool, error) {
		calls++
		return true, errors.New("would storm")
	}))
	p.Start(ctx)
	defer func() {
		p.Stop(ctx)
		p.Join()
	}()

	errPayload := envelope.NewExchangeError("upstream failure", "")
	if _, err := x.Send(ctx, "worker", envelope.New("sender", "", errPayload, "some-ref")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	_, ok, err := x.Recv(ctx, "sender", false, 0)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if ok {
		t.Fatalf("no reply should have been sent for an inbound ExchangeError")
	}
}
