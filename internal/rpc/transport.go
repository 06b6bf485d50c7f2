// Package rpc is the control plane's typed request/response transport: a
// route registry mapping route keys to handlers, framed over a Unix domain
// socket, with a streaming progress channel for long-running operations.
// Grounded on the teacher's mux_server.go/mux_client.go Unix-socket-plus-
// lock-file idiom, generalized from fixed HTTP endpoints to a route registry
// that can carry ordered progress frames ahead of a terminal response.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
)

var tracer = otel.Tracer("github.com/kestrelcontainers/kestrel/internal/rpc")

// Handler processes a request Message for a route. A handler that wants to
// stream progress calls ProgressFunc before returning its final result; the
// terminal frame is always the handler's return value.
type Handler func(ctx context.Context, req *Message, progress ProgressFunc) (*Message, error)

// ProgressFunc delivers one ordered progress update to the caller. On the
// server side each update is written to the connection as a progress frame
// before ProgressFunc returns; updates are not buffered and none is dropped.
type ProgressFunc func(update *Message)

// Registry maps route keys to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(route string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[route] = h
}

func (r *Registry) lookup(route string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[route]
	return h, ok
}

// Server serves a Registry over a Unix domain socket.
type Server struct {
	SocketPath string
	Registry   *Registry

	listener net.Listener
	lockFile *os.File
	wg       sync.WaitGroup
}

func NewServer(socketPath string, reg *Registry) *Server {
	return &Server{SocketPath: socketPath, Registry: reg}
}

// Serve acquires an exclusive lock file next to the socket, binds the socket,
// and accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	lockPath := s.SocketPath + ".lock"
	lf, err := acquireLock(lockPath)
	if err != nil {
		return fmt.Errorf("rpc: acquire lock: %w", err)
	}
	s.lockFile = lf

	os.Remove(s.SocketPath)
	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("rpc: listen: %w", err)
	}
	s.listener = ln
	slog.InfoContext(ctx, "rpc.Server.Serve", "socket", s.SocketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)
	var encMu sync.Mutex

	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			return
		}
		if env.Kind != FrameRequest {
			continue
		}

		reqCtx, span := tracer.Start(ctx, env.Route)
		h, ok := s.Registry.lookup(env.Route)
		if !ok {
			span.End()
			writeEnvelope(&encMu, enc, Envelope{ID: env.ID, Kind: FrameError, ErrKind: kerr.NotFound, ErrMsg: fmt.Sprintf("no such route %q", env.Route)})
			continue
		}

		progress := func(update *Message) {
			writeEnvelope(&encMu, enc, Envelope{ID: env.ID, Kind: FrameProgress, Payload: update})
		}

		resp, err := h(reqCtx, env.Payload, progress)
		span.End()
		if err != nil {
			kind := kerr.Of(err)
			writeEnvelope(&encMu, enc, Envelope{ID: env.ID, Kind: FrameError, ErrKind: kind, ErrMsg: err.Error()})
			continue
		}
		writeEnvelope(&encMu, enc, Envelope{ID: env.ID, Kind: FrameResponse, Payload: resp})
	}
}

func writeEnvelope(mu *sync.Mutex, enc *json.Encoder, env Envelope) {
	mu.Lock()
	defer mu.Unlock()
	_ = enc.Encode(env)
}

// Shutdown closes the listener and releases the lock file.
func (s *Server) Shutdown() error {
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	if s.lockFile != nil {
		releaseLock(s.lockFile)
	}
	return nil
}

// Client dials a Server's socket and issues requests.
type Client struct {
	SocketPath string

	mu     sync.Mutex
	conn   net.Conn
	dec    *json.Decoder
	enc    *json.Encoder
	nextID atomic.Uint64

	pending   map[uint64]chan Envelope
	progress  map[uint64]ProgressFunc
	pendingMu sync.Mutex
}

func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, err
	}
	c := &Client{
		SocketPath: socketPath,
		conn:       conn,
		dec:        json.NewDecoder(bufio.NewReader(conn)),
		enc:        json.NewEncoder(conn),
		pending:    map[uint64]chan Envelope{},
		progress:   map[uint64]ProgressFunc{},
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var env Envelope
		if err := c.dec.Decode(&env); err != nil {
			c.pendingMu.Lock()
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = map[uint64]chan Envelope{}
			c.pendingMu.Unlock()
			return
		}
		if env.Kind == FrameProgress {
			c.pendingMu.Lock()
			pf := c.progress[env.ID]
			c.pendingMu.Unlock()
			if pf != nil {
				pf(env.Payload)
			}
			continue
		}
		c.pendingMu.Lock()
		ch := c.pending[env.ID]
		delete(c.pending, env.ID)
		delete(c.progress, env.ID)
		c.pendingMu.Unlock()
		if ch != nil {
			ch <- env
			close(ch)
		}
	}
}

// Call issues req against route and blocks for the terminal response,
// invoking onProgress (if non-nil) for every ordered progress frame observed
// first.
func (c *Client) Call(ctx context.Context, route string, req *Message, onProgress ProgressFunc) (*Message, error) {
	id := c.nextID.Add(1)
	ch := make(chan Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	if onProgress != nil {
		c.progress[id] = onProgress
	}
	c.pendingMu.Unlock()

	c.mu.Lock()
	err := c.enc.Encode(Envelope{ID: id, Route: route, Kind: FrameRequest, Payload: req})
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("rpc: send: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, kerr.New(kerr.Cancelled, "call cancelled")
	case env, ok := <-ch:
		if !ok {
			return nil, kerr.New(kerr.InternalError, "connection closed")
		}
		if env.Kind == FrameError {
			return nil, kerr.Wrap(env.ErrKind, env.ErrMsg, nil)
		}
		return env.Payload, nil
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}
