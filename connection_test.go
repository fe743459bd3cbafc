package relaymux

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/relaymux/relaymux/wire"
)

func items(vals ...string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, v := range vals {
			if !yield([]byte(v), nil) {
				return
			}
		}
	}
}

func collect(ex *Exchange) ([]string, error) {
	var got []string
	for item, err := range ex.All() {
		if err != nil {
			return got, err
		}
		got = append(got, string(item))
	}
	return got, nil
}

func waitDone(t *testing.T, ex *Exchange) {
	t.Helper()
	select {
	case <-ex.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("exchange %d did not finish; state %v", ex.ID(), ex.State())
	}
}

func echoRouter(names chan<- string) *Router {
	r := NewRouter()
	r.Handle("messages.for.{name}", func(ctx context.Context, req *Request) (iter.Seq2[[]byte, error], error) {
		if names != nil {
			names <- req.Vars.Get("name")
		}
		return req.All(), nil
	})
	return r
}

func connect(t *testing.T, clientRouter, serverRouter *Router, opts ...Option) (client, server *Connection) {
	t.Helper()
	cliT, svrT := net.Pipe()
	logger := zaptest.NewLogger(t)
	server = NewServerConnection(context.Background(), svrT, serverRouter,
		append([]Option{WithLogger(logger.Named("server"))}, opts...)...)
	client, err := NewClientConnection(context.Background(), cliT, clientRouter,
		append([]Option{WithLogger(logger.Named("client"))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestEcho(t *testing.T) {
	checkForGoroutineLeak(t, func() {
		names := make(chan string, 1)
		client, server := connect(t, nil, echoRouter(names))

		ex, err := client.Request(context.Background(), "messages.for.alice", items("hi", "bye"))
		require.NoError(t, err)
		assert.Equal(t, "messages.for.alice", ex.Route())
		assert.Equal(t, DirectionInitiator, ex.Direction())

		got, err := collect(ex)
		require.NoError(t, err)
		assert.Equal(t, []string{"hi", "bye"}, got)
		assert.Equal(t, "alice", <-names)

		waitDone(t, ex)
		assert.Equal(t, StateCompleted, ex.State())
		assert.NoError(t, ex.Err())
		require.Eventually(t, func() bool {
			return client.NumExchanges() == 0 && server.NumExchanges() == 0
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, client.Close())
		require.NoError(t, server.Wait())
	})
}

func TestStreamIDParity(t *testing.T) {
	client, server := connect(t, echoRouter(nil), echoRouter(nil))
	for _, want := range []wire.StreamID{1, 3} {
		ex, err := client.Request(context.Background(), "messages.for.x", nil)
		require.NoError(t, err)
		assert.Equal(t, want, ex.ID())
		_, err = collect(ex)
		require.NoError(t, err)
	}
	for _, want := range []wire.StreamID{2, 4} {
		ex, err := server.Request(context.Background(), "messages.for.y", items("z"))
		require.NoError(t, err)
		assert.Equal(t, want, ex.ID())
		got, err := collect(ex)
		require.NoError(t, err)
		assert.Equal(t, []string{"z"}, got)
	}
}

func TestOrderingManyExchanges(t *testing.T) {
	// a tiny window forces many demand signals
	client, _ := connect(t, nil, echoRouter(nil), WithWindow(2))

	const exchanges, perExchange = 16, 100
	var wg sync.WaitGroup
	for i := range exchanges {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := make([]string, perExchange)
			for j := range want {
				want[j] = fmt.Sprintf("%d-%d", i, j)
			}
			ex, err := client.Request(context.Background(), "messages.for."+strconv.Itoa(i), items(want...))
			if !assert.NoError(t, err) {
				return
			}
			got, err := collect(ex)
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
}

func TestServerCancelsMidStream(t *testing.T) {
	sr := NewRouter()
	sr.Handle("cancel.me", func(ctx context.Context, req *Request) (iter.Seq2[[]byte, error], error) {
		return func(yield func([]byte, error) bool) {
			if !yield([]byte("one"), nil) {
				return
			}
			req.Cancel()
		}, nil
	})
	client, _ := connect(t, nil, sr)

	ex, err := client.Request(context.Background(), "cancel.me", nil)
	require.NoError(t, err)
	got, err := collect(ex)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, got)
	waitDone(t, ex)
	assert.Equal(t, StateCancelled, ex.State())
	assert.NoError(t, ex.Err())
}

func TestClientCancel(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	sr := NewRouter()
	sr.Handle("wait", func(ctx context.Context, req *Request) (iter.Seq2[[]byte, error], error) {
		close(started)
		return func(yield func([]byte, error) bool) {
			<-ctx.Done()
			close(stopped)
		}, nil
	})
	client, server := connect(t, nil, sr)

	ctx, cancel := context.WithCancel(context.Background())
	ex, err := client.Request(ctx, "wait", nil)
	require.NoError(t, err)
	<-started
	cancel()

	_, err = ex.Recv()
	require.ErrorIs(t, err, context.Canceled)
	waitDone(t, ex)
	assert.Equal(t, StateCancelled, ex.State())
	assert.ErrorIs(t, ex.Err(), context.Canceled)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
	require.Eventually(t, func() bool { return server.NumExchanges() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestConnectionCloseFailsActiveExchanges(t *testing.T) {
	sr := NewRouter()
	sr.HandleFunc("hold", func(ctx context.Context, _ Vars) iter.Seq2[[]byte, error] {
		return func(yield func([]byte, error) bool) {
			if yield([]byte("first"), nil) {
				<-ctx.Done()
			}
		}
	})
	client, server := connect(t, nil, sr)

	var active []*Exchange
	for range 2 {
		ex, err := client.Request(context.Background(), "hold", nil)
		require.NoError(t, err)
		item, err := ex.Recv()
		require.NoError(t, err)
		assert.Equal(t, "first", string(item))
		assert.Equal(t, StateActive, ex.State())
		active = append(active, ex)
	}
	assert.Equal(t, 2, client.NumExchanges())

	require.NoError(t, server.Close())
	require.NoError(t, client.Wait())

	for _, ex := range active {
		_, err := ex.Recv()
		require.ErrorIs(t, err, ErrConnectionClosed)
		waitDone(t, ex)
		assert.Equal(t, StateErrored, ex.State())
		assert.ErrorIs(t, ex.Err(), ErrConnectionClosed)
	}
	assert.Equal(t, 0, client.NumExchanges())
	assert.Equal(t, 0, server.NumExchanges())

	_, err := client.Request(context.Background(), "hold", nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestContextCancelClosesConnection(t *testing.T) {
	cliT, svrT := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	server := NewServerConnection(context.Background(), svrT, nil, WithLogger(zaptest.NewLogger(t)))
	client, err := NewClientConnection(ctx, cliT, nil)
	require.NoError(t, err)

	cancel()
	require.ErrorIs(t, client.Wait(), context.Canceled)
	require.NoError(t, server.Wait())
	assert.True(t, client.IsDone())
	assert.Error(t, client.Context().Err())
}

func TestHandlerErrors(t *testing.T) {
	sr := NewRouter()
	sr.Handle("fail", func(context.Context, *Request) (iter.Seq2[[]byte, error], error) {
		return nil, status.Error(codes.InvalidArgument, "bad input")
	})
	sr.Handle("plain", func(context.Context, *Request) (iter.Seq2[[]byte, error], error) {
		return nil, errors.New("oops")
	})
	sr.Handle("panic", func(context.Context, *Request) (iter.Seq2[[]byte, error], error) {
		panic("boom")
	})
	sr.Handle("late", func(context.Context, *Request) (iter.Seq2[[]byte, error], error) {
		return func(yield func([]byte, error) bool) {
			if yield([]byte("ok"), nil) {
				yield(nil, status.Error(codes.DataLoss, "lost the rest"))
			}
		}, nil
	})
	client, _ := connect(t, nil, sr)

	testCases := []struct {
		route string
		items []string
		code  codes.Code
		msg   string
	}{
		{route: "fail", code: codes.InvalidArgument, msg: "bad input"},
		{route: "plain", code: codes.Unknown, msg: "oops"},
		{route: "panic", code: codes.Internal},
		{route: "late", items: []string{"ok"}, code: codes.DataLoss, msg: "lost the rest"},
	}
	for _, tc := range testCases {
		t.Run(tc.route, func(t *testing.T) {
			ex, err := client.Request(context.Background(), tc.route, nil)
			require.NoError(t, err)
			got, err := collect(ex)
			assert.Equal(t, tc.items, got)
			var remoteErr *RemoteError
			require.ErrorAs(t, err, &remoteErr)
			assert.Equal(t, tc.code, remoteErr.Code())
			assert.Equal(t, tc.code, status.Code(err))
			if tc.msg != "" {
				assert.Equal(t, tc.msg, status.Convert(err).Message())
			}
			waitDone(t, ex)
			assert.Equal(t, StateErrored, ex.State())
		})
	}
}

func TestRouteNotFound(t *testing.T) {
	client, _ := connect(t, nil, echoRouter(nil))
	ex, err := client.Request(context.Background(), "nowhere", items("x"))
	require.NoError(t, err)
	_, err = ex.Recv()
	require.ErrorIs(t, err, ErrRouteNotFound)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestSetupCallbackRequestsPeer(t *testing.T) {
	statuses := make(chan string, 3)
	sr := NewRouter()
	sr.OnConnectionSetup(func(ctx context.Context, peer PeerHandle, setup Setup) error {
		assert.Equal(t, "token", string(setup.Metadata))
		assert.Equal(t, "hello", string(setup.Data))
		assert.NotNil(t, ConnectionFromContext(ctx))
		ex, err := peer.Request(ctx, "health.status", nil)
		if err != nil {
			return err
		}
		go func() {
			for item, err := range ex.All() {
				if err != nil {
					return
				}
				statuses <- string(item)
			}
		}()
		return nil
	})

	cr := NewRouter()
	cr.HandleFunc("health.status", func(ctx context.Context, _ Vars) iter.Seq2[[]byte, error] {
		assert.Equal(t, RoleClient, ConnectionFromContext(ctx).Role())
		return items("starting", "ok", "ok")
	})

	connect(t, cr, sr, WithSetup([]byte("token"), []byte("hello")))
	for _, want := range []string{"starting", "ok", "ok"} {
		select {
		case got := <-statuses:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatal("no status received")
		}
	}
}

func TestSetupRejected(t *testing.T) {
	sr := NewRouter()
	sr.OnConnectionSetup(func(context.Context, PeerHandle, Setup) error {
		return status.Error(codes.PermissionDenied, "go away")
	})
	cliT, svrT := net.Pipe()
	server := NewServerConnection(context.Background(), svrT, sr, WithLogger(zaptest.NewLogger(t)))
	client, err := NewClientConnection(context.Background(), cliT, nil)
	require.NoError(t, err)

	err = client.Wait()
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.Equal(t, codes.PermissionDenied, status.Code(server.Wait()))
}

func TestClientSetupFailure(t *testing.T) {
	cr := NewRouter()
	cr.OnConnectionSetup(func(context.Context, PeerHandle, Setup) error {
		return errors.New("not today")
	})
	cliT, svrT := net.Pipe()
	server := NewServerConnection(context.Background(), svrT, nil)
	_, err := NewClientConnection(context.Background(), cliT, cr)
	require.EqualError(t, err, "not today")
	require.NoError(t, server.Wait())
}

func TestRequestValidation(t *testing.T) {
	client, _ := connect(t, nil, nil)
	_, err := client.Request(context.Background(), "", nil)
	require.Error(t, err)
	_, err = client.Request(context.Background(), string(make([]byte, wire.MaxMetadataSize+1)), nil)
	require.Error(t, err)
}

func TestOversizedItem(t *testing.T) {
	client, _ := connect(t, nil, echoRouter(nil), WithMaxFrameSize(64))
	ex, err := client.Request(context.Background(), "messages.for.x", items(string(make([]byte, 100))))
	require.NoError(t, err)
	_, err = ex.Recv()
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	waitDone(t, ex)
	assert.Equal(t, StateErrored, ex.State())
}

func TestMaxFrameSizeClamped(t *testing.T) {
	for _, size := range []uint32{0, 1, 11} {
		t.Run(strconv.Itoa(int(size)), func(t *testing.T) {
			client, _ := connect(t, nil, echoRouter(nil), WithMaxFrameSize(size))
			ex, err := client.Request(context.Background(), "messages.for.a", items("hi"))
			require.NoError(t, err)
			got, err := collect(ex)
			require.NoError(t, err)
			assert.Equal(t, []string{"hi"}, got)
		})
	}
	assert.Equal(t, uint32(wire.DefaultMaxFrameSize), newConnOpts([]Option{WithMaxFrameSize(0)}).maxFrameSize)
	assert.Equal(t, uint32(MinMaxFrameSize), newConnOpts([]Option{WithMaxFrameSize(5)}).maxFrameSize)
}

func TestSetupPanicRejectsConnection(t *testing.T) {
	sr := NewRouter()
	sr.OnConnectionSetup(func(context.Context, PeerHandle, Setup) error {
		panic("boom")
	})
	cliT, svrT := net.Pipe()
	server := NewServerConnection(context.Background(), svrT, sr, WithLogger(zaptest.NewLogger(t)))
	client, err := NewClientConnection(context.Background(), cliT, nil)
	require.NoError(t, err)

	assert.Equal(t, codes.Internal, status.Code(client.Wait()))
	assert.Equal(t, codes.Internal, status.Code(server.Wait()))
}

func checkForGoroutineLeak(t *testing.T, fn func()) {
	before := runtime.NumGoroutine()

	fn()

	// check for goroutine leaks
	deadline := time.Now().Add(time.Second * 5)
	after := 0
	for deadline.After(time.Now()) {
		after = runtime.NumGoroutine()
		if after <= before {
			// number of goroutines returned to previous level: no leak!
			return
		}
		time.Sleep(time.Millisecond * 50)
	}
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)
	t.Errorf("%d goroutines leaked:\n%s", after-before, string(buf[:n]))
}
