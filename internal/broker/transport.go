package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/unveil-social/von-x/internal/envelope"
)

// wireRequest is one frame of the broker's network transport: the TCP
// analogue of the in-process command channel. Grounded on
// internal/broker/service.go's Connection/Encoder/Decoder streaming
// pattern, generalized from JSON-RPC method dispatch to the four bus
// operations.
type wireRequest struct {
	ID        uint64 `msgpack:"id"`
	Method    string `msgpack:"method"` // "send" | "recv" | "status" | "stop"
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

// Server exposes an Exchange over TCP so a RequestExecutor can run in a
// different OS process from the broker it talks to, grounded on
// internal/broker/service.go's listener/Accept/per-connection-goroutine
// structure (with the Topic/Pipe pub-sub dispatch replaced by the four bus
// operations).
type Server struct {
	bus   Bus
	codec *envelope.Codec

	mu       sync.Mutex
	listener net.Listener
}

// NewServer wraps bus for network access, encoding/decoding envelopes with
// codec.
func NewServer(bus Bus, codec *envelope.Codec) *Server {
	return &Server{bus: bus, codec: codec}
}

// Serve listens on addr and serves connections until ctx is cancelled or
// the listener errors.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("broker: accept: %w", err)
			}
		}
		go s.handle(ctx, conn)
	}
}

// Addr returns the listener's bound address, useful when Serve was given
// port ":0". Call after Serve has started accepting.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handle services one connection. Each decoded request is dispatched on its
// own goroutine so a blocking "recv" (an Executor's poll loop typically asks
// for one with no timeout) cannot stall "send"/"status"/"stop" requests
// queued behind it on the same connection; responses are serialized back
// onto the wire under encMu since msgpack.Encoder.Encode is not itself
// safe for concurrent use.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := msgpack.NewDecoder(conn)
	enc := msgpack.NewEncoder(conn)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var encMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var req wireRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		wg.Add(1)
		go func(req wireRequest) {
			defer wg.Done()
			resp := s.dispatch(connCtx, req)
			encMu.Lock()
			err := enc.Encode(resp)
			encMu.Unlock()
			if err != nil {
				cancel() // unblock any other in-flight dispatch on this connection
			}
		}(req)
	}
}

func (s *Server) dispatch(ctx context.Context, req wireRequest) wireResponse {
	switch req.Method {
	case "send":
		env, _, err := s.codec.Decode(req.Env)
		if err != nil {
			return wireResponse{ID: req.ID, ErrText: err.Error()}
		}
		ok, err := s.bus.Send(ctx, req.ToPID, env)
		if err != nil {
			return wireResponse{ID: req.ID, ErrText: err.Error()}
		}
		return wireResponse{ID: req.ID, OK: ok}

	case "recv":
		timeout := time.Duration(req.TimeoutMS) * time.Millisecond
		env, ok, err := s.bus.Recv(ctx, req.ToPID, req.Blocking, timeout)
		if err != nil {
			return wireResponse{ID: req.ID, ErrText: err.Error()}
		}
		if !ok {
			return wireResponse{ID: req.ID, OK: false}
		}
		data, err := s.codec.Encode(env)
		if err != nil {
			return wireResponse{ID: req.ID, ErrText: err.Error()}
		}
		return wireResponse{ID: req.ID, OK: true, HasEnv: true, Env: data}

	case "status":
		st, err := s.bus.Status(ctx)
		if err != nil {
			return wireResponse{ID: req.ID, ErrText: err.Error()}
		}
		return wireResponse{ID: req.ID, OK: true, Status: &wireStatus{Pending: st.Pending, Processed: st.Processed, Total: st.Total}}

	case "stop":
		if err := s.bus.Stop(ctx); err != nil {
			return wireResponse{ID: req.ID, ErrText: err.Error()}
		}
		return wireResponse{ID: req.ID, OK: true}

	default:
		return wireResponse{ID: req.ID, ErrText: errors.New("broker: unrecognized method " + req.Method).Error()}
	}
}
