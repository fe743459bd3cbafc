package relaymux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/relaymux/relaymux/wire"
)

// Transport is the duplex byte stream a connection runs over. Closing it must
// unblock any pending Read and Write.
type Transport = io.ReadWriteCloser

// closeFlushTimeout bounds how long a closing connection waits for already
// queued frames to be written before it closes the transport anyway.
const closeFlushTimeout = time.Second

// Connection multiplexes exchanges over one transport. Either end may send
// requests at any time with Request, and requests from the peer are served by
// the handlers of the connection's Router.
//
// A connection is created with NewClientConnection by the end that established
// the transport, and with NewServerConnection by the end that accepted it.
type Connection struct {
	id       uuid.UUID
	role     Role
	t        Transport
	router   *Router
	opts     connOpts
	log      *zap.Logger
	metrics  *Metrics
	registry *registry
	r        *wire.Reader
	w        *wire.Writer
	out      *outbox

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce  sync.Once
	mu         sync.Mutex
	err        error
	writerDone chan struct{}
	readerDone chan struct{}
	done       chan struct{}
}

var _ PeerHandle = (*Connection)(nil)

// NewClientConnection starts a connection for the end that established t. It
// sends the SETUP frame (see WithSetup) and then invokes the router's setup
// callback, if any. If the callback fails, the connection is closed and the
// error is returned.
//
// The connection is closed when ctx is cancelled.
func NewClientConnection(ctx context.Context, t Transport, router *Router, opts ...Option) (*Connection, error) {
	o := newConnOpts(opts)
	setup := o.setup
	if len(setup.Metadata) > wire.MaxMetadataSize {
		_ = t.Close()
		return nil, fmt.Errorf("setup metadata is too large: %d bytes", len(setup.Metadata))
	}
	c := newConnection(ctx, RoleClient, t, router, o)
	// queued before the loops start, so it is always the first frame
	_ = c.send(wire.Frame{Type: wire.TypeSetup, Metadata: setup.Metadata, Payload: setup.Data})
	c.start()
	if err := c.runSetup(setup); err != nil {
		c.shutdown(err)
		<-c.done
		return nil, err
	}
	return c, nil
}

// NewServerConnection starts a connection for the end that accepted t. The
// peer must send SETUP as its first frame; the router's setup callback is
// invoked when it arrives. A failing setup callback is reported to the peer
// and closes the connection.
//
// The connection is closed when ctx is cancelled.
func NewServerConnection(ctx context.Context, t Transport, router *Router, opts ...Option) *Connection {
	c := newConnection(ctx, RoleServer, t, router, newConnOpts(opts))
	c.start()
	return c
}

func newConnection(ctx context.Context, role Role, t Transport, router *Router, o connOpts) *Connection {
	c := &Connection{
		id:         uuid.New(),
		role:       role,
		t:          t,
		router:     router,
		opts:       o,
		metrics:    o.metrics,
		registry:   newRegistry(role),
		r:          wire.NewReader(t, o.maxFrameSize),
		w:          wire.NewWriter(t),
		out:        newOutbox(),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.log = o.logger.With(zap.Stringer("conn", c.id), zap.Stringer("role", role))
	c.ctx, c.cancel = context.WithCancel(contextWithConnection(ctx, c))
	c.metrics.connectionOpened()

	go func() {
		select {
		case <-ctx.Done():
			c.shutdown(ctx.Err())
		case <-c.done:
		}
	}()
	return c
}

func (c *Connection) start() {
	c.log.Debug("connection started")
	go c.writeLoop()
	go c.readLoop()
}

// ID returns a unique identifier for this connection, for logs and
// diagnostics. It has no meaning to the peer.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Role reports whether this end established the transport or accepted it.
func (c *Connection) Role() Role {
	return c.role
}

// Context returns a context that is cancelled when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Done returns a channel that is closed once the connection has fully shut
// down and its transport is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// IsDone reports whether the connection has fully shut down.
func (c *Connection) IsDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the reason the connection closed. It is nil while the
// connection is open, and after a clean shutdown by either end.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(c.err, io.EOF) {
		return nil
	}
	return c.err
}

// Close closes the connection. Every exchange still active fails with
// ErrConnectionClosed. Close waits for the connection to shut down.
func (c *Connection) Close() error {
	c.shutdown(nil)
	<-c.done
	return nil
}

// Wait blocks until the connection closes and returns the same as Err.
func (c *Connection) Wait() error {
	<-c.done
	return c.Err()
}

// NumExchanges returns the number of exchanges that are currently active.
func (c *Connection) NumExchanges() int {
	return c.registry.len()
}

// Request opens an exchange with the peer on the given route. The outbound
// sequence is sent to the peer as it signals demand; it may be nil if there is
// nothing to send. Request does not wait for the peer; items from the peer are
// read from the returned exchange.
//
// Cancelling ctx cancels the exchange.
func (c *Connection) Request(ctx context.Context, route string, outbound iter.Seq2[[]byte, error]) (*Exchange, error) {
	if route == "" {
		return nil, errors.New("route must not be empty")
	}
	if len(route) > wire.MaxMetadataSize {
		return nil, fmt.Errorf("route is too long: %d bytes", len(route))
	}
	id, err := c.registry.allocate()
	if err != nil {
		return nil, err
	}
	ex := newExchange(ctx, c, id, route, DirectionInitiator, 0)
	if err := c.registry.register(id, ex); err != nil {
		ex.cncl()
		return nil, err
	}
	c.metrics.exchangeStarted(DirectionInitiator)
	req := wire.Frame{StreamID: id, Type: wire.TypeRequest, Metadata: []byte(route), Payload: wire.CreditPayload(c.opts.window)}
	if err := c.send(req); err != nil {
		ex.connectionLost(err)
		return nil, err
	}

	go ex.pump(outbound)
	go func() {
		select {
		case <-ctx.Done():
			ex.cancel(ctx.Err())
		case <-ex.Done():
		}
	}()
	return ex, nil
}

func (c *Connection) send(f wire.Frame) error {
	return c.out.push(f)
}

func (c *Connection) runSetup(setup Setup) (err error) {
	fn := c.router.setupFunc()
	if fn == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("setup callback panicked", zap.Any("panic", p))
			err = status.Error(codes.Internal, "connection setup panicked")
		}
	}()
	return fn(c.ctx, c, setup)
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for {
		frames, ok := c.out.take()
		if !ok {
			return
		}
		for _, f := range frames {
			if err := c.w.WriteFrame(f); err != nil {
				c.shutdown(err)
				return
			}
			c.metrics.frameSent(f.Type)
		}
	}
}

func (c *Connection) readLoop() {
	defer close(c.readerDone)
	c.shutdown(c.receive())
}

func (c *Connection) receive() error {
	if c.role == RoleServer {
		if err := c.acceptSetup(); err != nil {
			return err
		}
	}
	for {
		f, err := c.r.ReadFrame()
		if err != nil {
			return err
		}
		c.metrics.frameReceived(f.Type)

		if f.StreamID == 0 {
			if err := c.handleConnectionFrame(f); err != nil {
				return err
			}
			continue
		}
		if f.Type == wire.TypeRequest {
			c.dispatch(f)
			continue
		}
		ex, ok := c.registry.lookup(f.StreamID)
		if !ok {
			// stream already released, or never existed
			if f.Type == wire.TypeError {
				c.log.Warn("received error for unknown stream",
					zap.Uint32("stream", uint32(f.StreamID)), zap.Error(remoteError(f.Payload)))
			} else if ce := c.log.Check(zap.DebugLevel, "dropping frame for unknown stream"); ce != nil {
				ce.Write(zap.Stringer("frame", f))
			}
			continue
		}
		ex.handleFrame(f)
	}
}

func (c *Connection) acceptSetup() error {
	f, err := c.r.ReadFrame()
	if err != nil {
		return err
	}
	c.metrics.frameReceived(f.Type)
	if f.Type != wire.TypeSetup || f.StreamID != 0 {
		err := fmt.Errorf("%w: expecting SETUP as first frame, got %s", ErrProtocol, f)
		c.reject(status.Error(codes.FailedPrecondition, err.Error()))
		return err
	}
	if err := c.runSetup(Setup{Metadata: f.Metadata, Data: f.Payload}); err != nil {
		c.log.Info("setup rejected", zap.Error(err))
		c.reject(err)
		return err
	}
	c.log.Debug("setup accepted")
	return nil
}

// reject tells the peer why the connection is being closed.
func (c *Connection) reject(err error) {
	_ = c.send(wire.Frame{Type: wire.TypeError, Payload: errorPayload(err)})
}

func (c *Connection) handleConnectionFrame(f wire.Frame) error {
	switch f.Type {
	case wire.TypeError:
		return remoteError(f.Payload)
	case wire.TypeSetup:
		return fmt.Errorf("%w: unexpected SETUP", ErrProtocol)
	default:
		return fmt.Errorf("%w: %s frame on stream 0", ErrProtocol, f.Type)
	}
}

// dispatch handles a REQUEST frame from the peer. It never blocks: the
// handler runs on its own goroutine.
func (c *Connection) dispatch(f wire.Frame) {
	id, route := f.StreamID, string(f.Metadata)
	if err := c.registry.claimRemote(id); err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			c.log.Warn("ignoring request", zap.String("route", route), zap.Error(err))
		}
		return
	}
	if c.opts.stopping() {
		c.refuse(id, status.Error(codes.Unavailable, "server is shutting down"))
		return
	}
	h, vars, ok := c.router.Match(route)
	if !ok {
		c.metrics.routeMissed()
		c.log.Debug("route not found", zap.Uint32("stream", uint32(id)), zap.String("route", route))
		c.refuse(id, routeNotFound(route))
		return
	}
	// a REQUEST without a payload grants the default window
	credit := uint32(DefaultWindow)
	if len(f.Payload) > 0 {
		var err error
		if credit, err = wire.ParseCredit(f.Payload); err != nil {
			c.refuse(id, status.Errorf(codes.InvalidArgument, "malformed REQUEST for stream %d: %v", id, err))
			return
		}
	}

	ex := newExchange(c.ctx, c, id, route, DirectionResponder, credit)
	if err := c.registry.register(id, ex); err != nil {
		ex.cncl()
		return
	}
	c.metrics.exchangeStarted(DirectionResponder)
	_ = c.send(wire.Frame{StreamID: id, Type: wire.TypeRequestN, Payload: wire.CreditPayload(c.opts.window)})
	go ex.serve(h, &Request{Exchange: ex, Vars: vars, Peer: c})
}

// refuse answers a request with an error without creating an exchange.
func (c *Connection) refuse(id wire.StreamID, err error) {
	_ = c.send(wire.Frame{StreamID: id, Type: wire.TypeError, Payload: errorPayload(err)})
}

// shutdown closes the connection. The first call wins; cause is nil for a
// local Close.
func (c *Connection) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		c.cancel()

		lost := ErrConnectionClosed
		if cause != nil {
			lost = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		}
		for _, ex := range c.registry.drain(lost) {
			ex.connectionLost(lost)
		}
		c.out.close(lost)

		go func() {
			// give queued frames, like a setup rejection, a chance to go out
			timer := time.NewTimer(closeFlushTimeout)
			select {
			case <-c.writerDone:
			case <-timer.C:
			}
			timer.Stop()
			_ = c.t.Close()
			<-c.writerDone
			<-c.readerDone

			c.metrics.connectionClosed()
			if cause == nil || errors.Is(cause, io.EOF) || errors.Is(cause, context.Canceled) {
				c.log.Debug("connection closed", zap.NamedError("cause", cause))
			} else {
				c.log.Info("connection closed", zap.Error(cause))
			}
			close(c.done)
		}()
	})
}

// outbox queues frames for the writer goroutine. Pushing never blocks, so the
// read loop can answer the peer without waiting on the transport.
type outbox struct {
	mu     sync.Mutex
	cond   sync.Cond
	frames []wire.Frame
	err    error
}

func newOutbox() *outbox {
	o := &outbox{}
	o.cond.L = &o.mu
	return o
}

func (o *outbox) push(f wire.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.frames = append(o.frames, f)
	if len(o.frames) == 1 {
		o.cond.Signal()
	}
	return nil
}

// take waits for queued frames and returns all of them. After close it
// returns what is left and then false.
func (o *outbox) take() ([]wire.Frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.frames) == 0 {
		if o.err != nil {
			return nil, false
		}
		o.cond.Wait()
	}
	frames := o.frames
	o.frames = nil
	return frames, true
}

func (o *outbox) close(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err == nil {
		o.err = err
		o.cond.Broadcast()
	}
}
