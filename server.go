package relaymux

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server serves connections accepted by a listener of any kind. It keeps
// track of all connected clients, so that the server can also send requests
// to them, either to all of them or to one chosen round-robin.
//
// See NewServer.
type Server struct {
	router       *Router
	onConnect    func(*Connection)
	onDisconnect func(*Connection)
	connOpts     []Option

	stopping atomic.Bool
	conns    connections
}

// ServerOptions contains various fields that can be used to customize a
// Server.
type ServerOptions struct {
	// If set, this callback is invoked when a client connects, before its
	// SETUP frame has necessarily arrived.
	OnConnect func(*Connection)
	// If set, this callback is invoked when a client connection has closed.
	OnDisconnect func(*Connection)
	// Options applied to every connection the server accepts.
	ConnectionOptions []Option
}

// NewServer creates a server whose connections serve the routes of router.
func NewServer(router *Router, options ServerOptions) *Server {
	return &Server{
		router:       router,
		onConnect:    options.OnConnect,
		onDisconnect: options.OnDisconnect,
		connOpts:     options.ConnectionOptions,
	}
}

// ServeTransport runs a server connection over t, which was accepted from a
// client. It blocks until the connection closes and returns the reason, which
// is nil for a clean shutdown.
func (s *Server) ServeTransport(ctx context.Context, t Transport) error {
	if s.stopping.Load() {
		_ = t.Close()
		return status.Error(codes.Unavailable, "server is shutting down")
	}
	opts := append([]Option{withStopping(s.stopping.Load)}, s.connOpts...)
	c := NewServerConnection(ctx, t, s.router, opts...)

	s.conns.add(c)
	defer s.conns.remove(c)

	if s.onConnect != nil {
		s.onConnect(c)
	}
	if s.onDisconnect != nil {
		defer s.onDisconnect(c)
	}

	return c.Wait()
}

// AllConnections returns the set of all currently open connections.
func (s *Server) AllConnections() []*Connection {
	return s.conns.all()
}

// AsPeer returns a handle for sending requests to connected clients. Each
// request goes to the next client, round-robin. If no clients are connected,
// requests fail with an Unavailable error.
func (s *Server) AsPeer() PeerHandle {
	return multiPeer(s.conns.pick)
}

// InitiateShutdown starts the graceful shutdown process and returns
// immediately. New connections are refused and existing connections answer
// new requests with an Unavailable error, while exchanges already in progress
// are allowed to complete.
func (s *Server) InitiateShutdown() {
	s.stopping.Store(true)
}

// Stop refuses new connections and closes all open ones.
func (s *Server) Stop() {
	s.InitiateShutdown()
	var wg sync.WaitGroup
	for _, c := range s.conns.all() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Close()
		}()
	}
	wg.Wait()
}

type connections struct {
	mu    sync.Mutex
	conns []*Connection
	idx   int
}

func (c *connections) all() []*Connection {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := make([]*Connection, len(c.conns))
	copy(cp, c.conns)
	return cp
}

func (c *connections) pick() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.conns) == 0 {
		return nil
	}
	c.idx++
	if c.idx >= len(c.conns) {
		c.idx = 0
	}
	return c.conns[c.idx]
}

func (c *connections) add(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conns = append(c.conns, conn)
}

func (c *connections) remove(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.conns {
		if c.conns[i] == conn {
			c.conns = append(c.conns[:i], c.conns[i+1:]...)
			break
		}
	}
}

type multiPeer func() *Connection

func (p multiPeer) Request(ctx context.Context, route string, outbound iter.Seq2[[]byte, error]) (*Exchange, error) {
	c := p()
	if c == nil {
		return nil, status.Errorf(codes.Unavailable, "no connections ready")
	}
	return c.Request(ctx, route, outbound)
}
