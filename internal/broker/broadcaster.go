package broker

import "sync"

// broadcaster is the Go-idiomatic analogue of the source's shared
// mp.Condition: a "broadcast on new work" signal with a timeout-aware wait,
// which sync.Cond cannot offer directly (its Wait has no deadline). Each
// broadcast retires the current generation channel (closing it wakes every
// waiter) and opens a fresh one.
type broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{ch: make(chan struct{})}
}

// wait returns the channel for the current generation; it closes on the
// next broadcast.
func (b *broadcaster) wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// broadcast wakes every goroutine currently parked in wait().
func (b *broadcaster) broadcast() {
	b.mu.Lock()
	old := b.ch
	b.ch = make(chan struct{})
	b.mu.Unlock()
	close(old)
}
