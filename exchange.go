package relaymux

import (
	"context"
	"io"
	"iter"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/relaymux/relaymux/wire"
)

// Direction says which side opened an exchange.
type Direction int

const (
	// DirectionInitiator is an exchange opened locally with Request.
	DirectionInitiator Direction = iota
	// DirectionResponder is an exchange opened by the peer and served by a
	// local route handler.
	DirectionResponder
)

func (d Direction) String() string {
	if d == DirectionResponder {
		return "responder"
	}
	return "initiator"
}

// State is the lifecycle state of an exchange.
type State int32

const (
	// StateInitiated is the state of a new exchange before any item has been
	// sent or received.
	StateInitiated State = iota
	// StateActive means at least one item has been sent or received.
	StateActive
	// StateCompleted means both sides finished their item sequences.
	StateCompleted
	// StateCancelled means either side cancelled the exchange.
	StateCancelled
	// StateErrored means the exchange failed, either because one side sent an
	// error or because the connection went away.
	StateErrored
)

var stateNames = [...]string{
	StateInitiated: "initiated",
	StateActive:    "active",
	StateCompleted: "completed",
	StateCancelled: "cancelled",
	StateErrored:   "errored",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further items can flow in either direction.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Exchange is one logical request/stream interaction multiplexed over a
// connection. Items flow in both directions: the outbound sequence supplied
// when the exchange was opened is sent to the peer, and items sent by the peer
// are read with Recv or All.
//
// Recv returns io.EOF once the peer has completed (or cancelled) its side and
// every queued item has been read. If the peer sends an error, Recv returns a
// *RemoteError after the items that preceded it.
type Exchange struct {
	conn      *Connection
	id        wire.StreamID
	route     string
	direction Direction

	ctx        context.Context
	cncl       context.CancelFunc
	snd        *sender
	rcv        *receiver
	doneSignal chan struct{}

	mu         sync.Mutex
	state      State
	localDone  bool
	remoteDone bool
	err        error
}

func newExchange(ctx context.Context, c *Connection, id wire.StreamID, route string, dir Direction, peerWindow uint32) *Exchange {
	ctx, cncl := context.WithCancel(ctx)
	e := &Exchange{
		conn:       c,
		id:         id,
		route:      route,
		direction:  dir,
		ctx:        ctx,
		cncl:       cncl,
		doneSignal: make(chan struct{}),
	}
	e.snd = newSender(ctx, peerWindow)
	e.rcv = newReceiver(c.opts.window, e.requestMore)
	return e
}

// ID returns the stream ID that carries this exchange.
func (e *Exchange) ID() wire.StreamID {
	return e.id
}

// Route returns the route name the exchange was opened with.
func (e *Exchange) Route() string {
	return e.route
}

// Direction reports which end opened the exchange.
func (e *Exchange) Direction() Direction {
	return e.direction
}

// Context returns a context that is cancelled when the exchange reaches a
// terminal state.
func (e *Exchange) Context() context.Context {
	return e.ctx
}

// Done returns a channel that is closed when the exchange reaches a terminal
// state.
func (e *Exchange) Done() <-chan struct{} {
	return e.doneSignal
}

// State returns the current lifecycle state.
func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the error that terminated the exchange, if any. It is nil while
// the exchange is live and after it completes or is cancelled by either side
// with Cancel.
func (e *Exchange) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Recv blocks until the next item from the peer is available.
func (e *Exchange) Recv() ([]byte, error) {
	return e.rcv.dequeue()
}

// All returns the remaining inbound items as a sequence. The sequence ends
// without an error when the peer completes or cancels; otherwise the last
// element carries the error.
func (e *Exchange) All() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			item, err := e.Recv()
			if err == io.EOF {
				return
			}
			if !yield(item, err) || err != nil {
				return
			}
		}
	}
}

// Cancel cancels the exchange and tells the peer. Items that have not been
// read yet are discarded. Calling Cancel on a finished exchange does nothing.
func (e *Exchange) Cancel() {
	e.cancel(nil)
}

func (e *Exchange) cancel(cause error) {
	e.finish(StateCancelled, cause, &wire.Frame{StreamID: e.id, Type: wire.TypeCancel}, true)
}

// fail terminates the exchange locally and sends err to the peer.
func (e *Exchange) fail(err error) {
	e.finish(StateErrored, err, &wire.Frame{StreamID: e.id, Type: wire.TypeError, Payload: errorPayload(err)}, true)
}

// connectionLost terminates the exchange without telling the peer, which is
// already gone.
func (e *Exchange) connectionLost(err error) {
	e.finish(StateErrored, err, nil, true)
}

func (e *Exchange) isTerminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Terminal()
}

func (e *Exchange) activate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateInitiated {
		e.state = StateActive
	}
}

// finish moves the exchange to a terminal state. Only the first call has any
// effect. If notify is set it is sent to the peer. When discard is set, items
// not yet read are dropped; otherwise they are still delivered before err.
func (e *Exchange) finish(state State, err error, notify *wire.Frame, discard bool) bool {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return false
	}
	e.state = state
	e.err = err
	e.mu.Unlock()

	e.conn.registry.release(e.id)
	if notify != nil {
		_ = e.conn.send(*notify)
	}
	if discard {
		e.rcv.abort(err)
	} else {
		e.rcv.close(err)
	}
	e.cncl()

	e.conn.metrics.exchangeFinished(e.direction, state)
	if ce := e.conn.log.Check(zap.DebugLevel, "exchange finished"); ce != nil {
		ce.Write(
			zap.Uint32("stream", uint32(e.id)),
			zap.String("route", e.route),
			zap.Stringer("direction", e.direction),
			zap.Stringer("state", state),
			zap.Error(err),
		)
	}
	close(e.doneSignal)
	return true
}

// requestMore is called by the receiver as the local consumer drains items.
func (e *Exchange) requestMore(n uint32) {
	if e.isTerminal() {
		return
	}
	_ = e.conn.send(wire.Frame{StreamID: e.id, Type: wire.TypeRequestN, Payload: wire.CreditPayload(n)})
}

// handleFrame is called from the connection's read loop. It must not block.
func (e *Exchange) handleFrame(f wire.Frame) {
	switch f.Type {
	case wire.TypePayload:
		e.mu.Lock()
		if e.state.Terminal() {
			e.mu.Unlock()
			return
		}
		if e.remoteDone {
			e.mu.Unlock()
			e.fail(status.Errorf(codes.InvalidArgument, "received PAYLOAD for stream %d after COMPLETE", e.id))
			return
		}
		if e.state == StateInitiated {
			e.state = StateActive
		}
		e.mu.Unlock()
		if err := e.rcv.accept(f.Payload); err != nil {
			e.fail(err)
		}

	case wire.TypeRequestN:
		n, err := wire.ParseCredit(f.Payload)
		if err != nil {
			e.fail(status.Errorf(codes.InvalidArgument, "malformed REQUEST_N for stream %d: %v", e.id, err))
			return
		}
		e.snd.updateWindow(n)

	case wire.TypeComplete:
		e.remoteComplete()

	case wire.TypeCancel:
		// the peer already knows; don't echo the cancellation back
		e.finish(StateCancelled, nil, nil, false)

	case wire.TypeError:
		e.finish(StateErrored, remoteError(f.Payload), nil, false)

	default:
		e.fail(status.Errorf(codes.InvalidArgument, "unexpected %s frame for active stream %d", f.Type, e.id))
	}
}

func (e *Exchange) remoteComplete() {
	e.mu.Lock()
	if e.state.Terminal() || e.remoteDone {
		e.mu.Unlock()
		return
	}
	e.remoteDone = true
	both := e.localDone
	e.mu.Unlock()

	e.rcv.close(nil)
	if both {
		e.finish(StateCompleted, nil, nil, false)
	}
}

func (e *Exchange) completeOutbound() {
	e.mu.Lock()
	if e.state.Terminal() || e.localDone {
		e.mu.Unlock()
		return
	}
	e.localDone = true
	both := e.remoteDone
	e.mu.Unlock()

	_ = e.conn.send(wire.Frame{StreamID: e.id, Type: wire.TypeComplete})
	if both {
		e.finish(StateCompleted, nil, nil, false)
	}
}

// pump sends the outbound sequence to the peer. The sequence is only pulled
// while the peer has granted credit, so a slow peer slows the producer down
// instead of growing buffers.
func (e *Exchange) pump(outbound iter.Seq2[[]byte, error]) {
	defer func() {
		if p := recover(); p != nil {
			e.conn.log.Error("outbound sequence panicked",
				zap.Uint32("stream", uint32(e.id)), zap.String("route", e.route), zap.Any("panic", p))
			e.fail(status.Errorf(codes.Internal, "outbound sequence for %q panicked", e.route))
		}
	}()

	if outbound == nil {
		e.completeOutbound()
		return
	}
	next, stop := iter.Pull2(outbound)
	defer stop()

	maxItem := int(e.conn.opts.maxFrameSize) - (wire.Frame{}).Size()
	for {
		if err := e.snd.acquire(); err != nil {
			// exchange finished while waiting for demand
			return
		}
		item, err, ok := next()
		if !ok {
			e.completeOutbound()
			return
		}
		if e.isTerminal() {
			// cancellation observed; produce nothing further
			return
		}
		if err != nil {
			e.fail(err)
			return
		}
		if len(item) > maxItem {
			e.fail(status.Errorf(codes.ResourceExhausted, "item is too large: %d bytes > maximum %d bytes", len(item), maxItem))
			return
		}
		e.activate()
		if err := e.conn.send(wire.Frame{StreamID: e.id, Type: wire.TypePayload, Payload: item}); err != nil {
			return
		}
	}
}

// serve runs a route handler for an exchange opened by the peer.
func (e *Exchange) serve(h Handler, req *Request) {
	defer func() {
		if p := recover(); p != nil {
			e.conn.log.Error("route handler panicked",
				zap.Uint32("stream", uint32(e.id)), zap.String("route", e.route), zap.Any("panic", p))
			e.fail(status.Errorf(codes.Internal, "handler for %q panicked", e.route))
		}
	}()

	out, err := h(e.ctx, req)
	if err != nil {
		e.fail(err)
		return
	}
	e.pump(out)
}
