// Package client implements Remote, a broker.Bus that talks to a broker.Server
// over TCP, grounded on internal/client/broker.go's BrokerClient
// (persistent connection, per-request correlation channel, background read
// loop demultiplexing responses by request ID).
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/unveil-social/von-x/internal/broker"
	"github.com/unveil-social/von-x/internal/envelope"
)

// These mirror broker.wireRequest/wireResponse byte-for-byte. Duplicated
// rather than imported: the wire boundary is the contract, not the Go type,
// so the client and server sides define their own copies independently.
type wireRequest struct {
	ID        uint64 `msgpack:"id"`
	Method    string `msgpack:"method"`
	ToPID     string `msgpack:"to_pid,omitempty"`
	Env       []byte `msgpack:"env,omitempty"`
	Blocking  bool   `msgpack:"blocking,omitempty"`
	TimeoutMS int64  `msgpack:"timeout_ms,omitempty"`
}

type wireResponse struct {
	ID      uint64      `msgpack:"id"`
	OK      bool        `msgpack:"ok"`
	HasEnv  bool        `msgpack:"has_env,omitempty"`
	Env     []byte      `msgpack:"env,omitempty"`
	Status  *wireStatus `msgpack:"status,omitempty"`
	ErrText string      `msgpack:"err,omitempty"`
}

type wireStatus struct {
	Pending   int            `msgpack:"pending"`
	Processed map[string]int `msgpack:"processed"`
	Total     int            `msgpack:"total"`
}

// Remote is a broker.Bus backed by a TCP connection to a broker.Server.
type Remote struct {
	codec *envelope.Codec

	conn  net.Conn
	enc   *msgpack.Encoder
	dec   *msgpack.Decoder
	encMu sync.Mutex // serializes writes: one request frame at a time on the shared conn

	nextID   uint64
	mu       sync.Mutex
	pending  map[uint64]chan wireResponse
	closed   chan struct{}
	closeErr error
}

// Dial connects to a broker.Server listening at addr.
func Dial(addr string, codec *envelope.Codec) (*Remote, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	r := &Remote{
		codec:   codec,
		conn:    conn,
		enc:     msgpack.NewEncoder(conn),
		dec:     msgpack.NewDecoder(conn),
		pending: make(map[uint64]chan wireResponse),
		closed:  make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

func (r *Remote) readLoop() {
	defer close(r.closed)
	for {
		var resp wireResponse
		if err := r.dec.Decode(&resp); err != nil {
			r.mu.Lock()
			r.closeErr = fmt.Errorf("client: connection lost: %w", err)
			for id, ch := range r.pending {
				close(ch)
				delete(r.pending, id)
			}
			r.mu.Unlock()
			return
		}
		r.mu.Lock()
		ch, ok := r.pending[resp.ID]
		delete(r.pending, resp.ID)
		r.mu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
	}
}

func (r *Remote) call(ctx context.Context, req wireRequest) (wireResponse, error) {
	req.ID = atomic.AddUint64(&r.nextID, 1)
	ch := make(chan wireResponse, 1)

	r.mu.Lock()
	r.pending[req.ID] = ch
	r.mu.Unlock()

	r.encMu.Lock()
	err := r.enc.Encode(req)
	r.encMu.Unlock()
	if err != nil {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
		return wireResponse{}, fmt.Errorf("client: encode request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			r.mu.Lock()
			err := r.closeErr
			r.mu.Unlock()
			if err == nil {
				err = broker.ErrBrokerDown
			}
			return wireResponse{}, err
		}
		if resp.ErrText != "" {
			return wireResponse{}, errors.New(resp.ErrText)
		}
		return resp, nil
	case <-r.closed:
		return wireResponse{}, broker.ErrBrokerDown
	case <-ctx.Done():
		return wireResponse{}, ctx.Err()
	}
}

// Send implements broker.Bus.
func (r *Remote) Send(ctx context.Context, toPID string, env envelope.Envelope) (bool, error) {
	data, err := r.codec.Encode(env)
	if err != nil {
		return false, err
	}
	resp, err := r.call(ctx, wireRequest{Method: "send", ToPID: toPID, Env: data})
	if err != nil {
		return false, err
	}
	return resp.OK, nil
}

// Recv implements broker.Bus.
func (r *Remote) Recv(ctx context.Context, toPID string, blocking bool, timeout time.Duration) (envelope.Envelope, bool, error) {
	resp, err := r.call(ctx, wireRequest{
		Method:    "recv",
		ToPID:     toPID,
		Blocking:  blocking,
		TimeoutMS: timeout.Milliseconds(),
	})
	if err != nil {
		return envelope.Envelope{}, false, err
	}
	if !resp.OK || !resp.HasEnv {
		return envelope.Envelope{}, false, nil
	}
	env, _, err := r.codec.Decode(resp.Env)
	if err != nil {
		return envelope.Envelope{}, false, err
	}
	return env, true, nil
}

// Status implements broker.Bus.
func (r *Remote) Status(ctx context.Context) (broker.Status, error) {
	resp, err := r.call(ctx, wireRequest{Method: "status"})
	if err != nil {
		return broker.Status{}, err
	}
	if resp.Status == nil {
		return broker.Status{}, nil
	}
	return broker.Status{Pending: resp.Status.Pending, Processed: resp.Status.Processed, Total: resp.Status.Total}, nil
}

// Stop implements broker.Bus.
func (r *Remote) Stop(ctx context.Context) error {
	_, err := r.call(ctx, wireRequest{Method: "stop"})
	return err
}

// Close closes the underlying TCP connection.
func (r *Remote) Close() error {
	return r.conn.Close()
}

var _ broker.Bus = (*Remote)(nil)
