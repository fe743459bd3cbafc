package relaymux

import (
	"context"
	"errors"
	"iter"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"

	"github.com/relaymux/relaymux/wire"
)

// rawPeer speaks the wire protocol directly, to observe exactly which frames
// a connection sends.
type rawPeer struct {
	t      *testing.T
	w      *wire.Writer
	frames chan wire.Frame
}

func newRawClient(t *testing.T, router *Router, opts ...Option) (*rawPeer, *Connection) {
	t.Helper()
	cliT, svrT := net.Pipe()
	server := NewServerConnection(context.Background(), svrT, router,
		append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	p := &rawPeer{t: t, w: wire.NewWriter(cliT), frames: make(chan wire.Frame, 256)}
	go func() {
		defer close(p.frames)
		r := wire.NewReader(cliT, 0)
		for {
			f, err := r.ReadFrame()
			if err != nil {
				return
			}
			p.frames <- f
		}
	}()
	t.Cleanup(func() {
		_ = cliT.Close()
		_ = server.Close()
	})
	return p, server
}

func (p *rawPeer) send(f wire.Frame) {
	p.t.Helper()
	require.NoError(p.t, p.w.WriteFrame(f))
}

func (p *rawPeer) request(id wire.StreamID, route string, credit uint32) {
	p.t.Helper()
	p.send(wire.Frame{StreamID: id, Type: wire.TypeRequest, Metadata: []byte(route), Payload: wire.CreditPayload(credit)})
}

func (p *rawPeer) next() wire.Frame {
	p.t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(p.t, ok, "connection closed")
		return f
	case <-time.After(5 * time.Second):
		p.t.Fatal("timed out waiting for frame")
		return wire.Frame{}
	}
}

func (p *rawPeer) expectNothing(d time.Duration) {
	p.t.Helper()
	select {
	case f, ok := <-p.frames:
		if ok {
			p.t.Fatalf("unexpected frame %v", f)
		}
	case <-time.After(d):
	}
}

func counter(n int) Handler {
	return func(ctx context.Context, req *Request) (iter.Seq2[[]byte, error], error) {
		return func(yield func([]byte, error) bool) {
			for i := range n {
				if !yield([]byte(strconv.Itoa(i)), nil) {
					return
				}
			}
		}, nil
	}
}

func TestUnknownRouteYieldsOneError(t *testing.T) {
	r := NewRouter()
	r.Handle("count", counter(1))
	peer, server := newRawClient(t, r)
	peer.send(wire.Frame{Type: wire.TypeSetup})

	peer.request(1, "nope", 8)
	f := peer.next()
	require.Equal(t, wire.TypeError, f.Type)
	require.Equal(t, wire.StreamID(1), f.StreamID)
	remoteErr := remoteError(f.Payload)
	assert.Equal(t, codes.NotFound, remoteErr.Code())
	assert.True(t, errors.Is(remoteErr, ErrRouteNotFound))
	assert.Equal(t, 0, server.NumExchanges())

	// frames for the refused stream are dropped
	peer.send(wire.Frame{StreamID: 1, Type: wire.TypePayload, Payload: []byte("x")})
	peer.send(wire.Frame{StreamID: 1, Type: wire.TypeComplete})

	// the next frame is for a new stream, so nothing else was sent for stream 1
	peer.request(3, "count", 8)
	f = peer.next()
	assert.Equal(t, wire.StreamID(3), f.StreamID)
}

func TestRequestWithoutCredit(t *testing.T) {
	peer, server := newRawClient(t, echoRouter(nil))
	peer.send(wire.Frame{Type: wire.TypeSetup})

	peer.send(wire.Frame{StreamID: 1, Type: wire.TypeRequest, Metadata: []byte("nope")})
	f := peer.next()
	require.Equal(t, wire.TypeError, f.Type)
	assert.Equal(t, wire.StreamID(1), f.StreamID)
	assert.ErrorIs(t, remoteError(f.Payload), ErrRouteNotFound)
	assert.Equal(t, 0, server.NumExchanges())

	// no payload means the default window
	peer.send(wire.Frame{StreamID: 3, Type: wire.TypeRequest, Metadata: []byte("messages.for.alice")})
	peer.send(wire.Frame{StreamID: 3, Type: wire.TypePayload, Payload: []byte("hi")})
	peer.send(wire.Frame{StreamID: 3, Type: wire.TypePayload, Payload: []byte("bye")})
	peer.send(wire.Frame{StreamID: 3, Type: wire.TypeComplete})
	var echoed []string
	for {
		f := peer.next()
		require.Equal(t, wire.StreamID(3), f.StreamID)
		if f.Type == wire.TypeComplete {
			break
		}
		switch f.Type {
		case wire.TypePayload:
			echoed = append(echoed, string(f.Payload))
		case wire.TypeRequestN:
		default:
			t.Fatalf("unexpected frame %v", f)
		}
	}
	assert.Equal(t, []string{"hi", "bye"}, echoed)

	// a payload that is present must still be a valid credit
	peer.send(wire.Frame{StreamID: 5, Type: wire.TypeRequest, Metadata: []byte("messages.for.bob"), Payload: []byte{1, 2}})
	f = peer.next()
	require.Equal(t, wire.TypeError, f.Type)
	assert.Equal(t, codes.InvalidArgument, remoteError(f.Payload).Code())
}

func TestBackpressure(t *testing.T) {
	r := NewRouter()
	r.Handle("count", counter(10))
	peer, _ := newRawClient(t, r)
	peer.send(wire.Frame{Type: wire.TypeSetup})
	peer.request(1, "count", 2)
	peer.send(wire.Frame{StreamID: 1, Type: wire.TypeComplete})

	var payloads []string
	expectPayloads := func(n int) {
		t.Helper()
		for len(payloads) < n {
			f := peer.next()
			require.Equal(t, wire.StreamID(1), f.StreamID)
			switch f.Type {
			case wire.TypeRequestN:
				credit, err := wire.ParseCredit(f.Payload)
				require.NoError(t, err)
				assert.Equal(t, uint32(DefaultWindow), credit)
			case wire.TypePayload:
				payloads = append(payloads, string(f.Payload))
			default:
				t.Fatalf("unexpected frame %v", f)
			}
		}
	}

	expectPayloads(2)
	peer.expectNothing(100 * time.Millisecond)

	peer.send(wire.Frame{StreamID: 1, Type: wire.TypeRequestN, Payload: wire.CreditPayload(3)})
	expectPayloads(5)
	peer.expectNothing(100 * time.Millisecond)

	peer.send(wire.Frame{StreamID: 1, Type: wire.TypeRequestN, Payload: wire.CreditPayload(100)})
	expectPayloads(10)
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, payloads)
	f := peer.next()
	assert.Equal(t, wire.TypeComplete, f.Type)
}

func TestCreditViolation(t *testing.T) {
	r := NewRouter()
	// never reads what the peer sends
	r.Handle("sink", func(context.Context, *Request) (iter.Seq2[[]byte, error], error) {
		return nil, nil
	})
	peer, server := newRawClient(t, r, WithWindow(2))
	peer.send(wire.Frame{Type: wire.TypeSetup})
	peer.request(1, "sink", 2)
	for _, item := range []string{"a", "b", "c"} {
		peer.send(wire.Frame{StreamID: 1, Type: wire.TypePayload, Payload: []byte(item)})
	}
	for {
		f := peer.next()
		if f.Type != wire.TypeError {
			continue
		}
		assert.Equal(t, wire.StreamID(1), f.StreamID)
		assert.Equal(t, codes.ResourceExhausted, remoteError(f.Payload).Code())
		break
	}
	require.Eventually(t, func() bool { return server.NumExchanges() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestPayloadAfterComplete(t *testing.T) {
	r := NewRouter()
	r.Handle("slow", func(ctx context.Context, req *Request) (iter.Seq2[[]byte, error], error) {
		return func(yield func([]byte, error) bool) {
			<-ctx.Done()
		}, nil
	})
	peer, _ := newRawClient(t, r)
	peer.send(wire.Frame{Type: wire.TypeSetup})
	peer.request(1, "slow", 2)
	peer.send(wire.Frame{StreamID: 1, Type: wire.TypeComplete})
	peer.send(wire.Frame{StreamID: 1, Type: wire.TypePayload, Payload: []byte("late")})
	for {
		f := peer.next()
		if f.Type == wire.TypeError {
			assert.Equal(t, codes.InvalidArgument, remoteError(f.Payload).Code())
			return
		}
	}
}

func TestReusedStreamIDIgnored(t *testing.T) {
	r := NewRouter()
	r.Handle("count", counter(1))
	peer, server := newRawClient(t, r)
	peer.send(wire.Frame{Type: wire.TypeSetup})

	peer.request(5, "count", 8)
	peer.request(3, "count", 8) // older than 5
	peer.request(4, "count", 8) // server parity
	peer.request(7, "count", 8)

	// REQUEST_N, PAYLOAD and COMPLETE for each accepted stream
	seen := map[wire.StreamID]int{}
	for range 6 {
		seen[peer.next().StreamID]++
	}
	assert.Equal(t, map[wire.StreamID]int{5: 3, 7: 3}, seen)
	peer.expectNothing(100 * time.Millisecond)
	assert.False(t, server.IsDone())
}

func TestFirstFrameMustBeSetup(t *testing.T) {
	peer, server := newRawClient(t, nil)
	peer.request(1, "count", 8)

	f := peer.next()
	assert.Equal(t, wire.StreamID(0), f.StreamID)
	assert.Equal(t, wire.TypeError, f.Type)
	assert.Equal(t, codes.FailedPrecondition, remoteError(f.Payload).Code())
	require.ErrorIs(t, server.Wait(), ErrProtocol)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	cliT, svrT := net.Pipe()
	server := NewServerConnection(context.Background(), svrT, nil, WithLogger(zaptest.NewLogger(t)))
	defer func() {
		_ = cliT.Close()
		_ = server.Close()
	}()
	go func() {
		// a length prefix shorter than any header
		_, _ = cliT.Write([]byte{0, 0, 0, 2, 1, 0})
	}()
	require.ErrorIs(t, server.Wait(), wire.ErrMalformedFrame)
}
