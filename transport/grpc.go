package transport

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/relaymux/relaymux"
)

// TunnelServiceName is the fully-qualified name of the gRPC service that
// carries relaymux connections. It has a single bidirectional streaming
// method, Open, whose messages are google.protobuf.BytesValue. Each message
// holds exactly one frame.
const TunnelServiceName = "relaymux.transport.Tunnel"

const tunnelMethod = "/" + TunnelServiceName + "/Open"

// tunnelCloseSendTimeout bounds how long Close waits for a send that is held
// up by gRPC flow control before cancelling the stream.
const tunnelCloseSendTimeout = time.Second

type tunnelService interface {
	OpenTunnel(grpc.ServerStream) error
}

var tunnelServiceDesc = grpc.ServiceDesc{
	ServiceName: TunnelServiceName,
	HandlerType: (*tunnelService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Open",
			Handler:       openTunnelHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "relaymux/transport/tunnel",
}

func openTunnelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(tunnelService).OpenTunnel(stream)
}

// RegisterTunnelService registers the tunnel service with reg, so that every
// stream opened with OpenTunnel is served by srv. The registrar can be a
// *grpc.Server or anything else that serves gRPC, such as a
// grpchan.HandlerMap.
func RegisterTunnelService(reg grpc.ServiceRegistrar, srv *relaymux.Server) {
	reg.RegisterService(&tunnelServiceDesc, &tunnelHandler{srv: srv})
}

type tunnelHandler struct {
	srv *relaymux.Server
}

func (h *tunnelHandler) OpenTunnel(stream grpc.ServerStream) error {
	t := newStreamTransport(stream, nil, nil)
	err := h.srv.ServeTransport(stream.Context(), t)
	_ = t.Close()
	return err
}

// OpenTunnel opens a tunnel stream on cc, to a server that registered the
// tunnel service with RegisterTunnelService. Cancelling ctx tears the tunnel
// down.
func OpenTunnel(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (relaymux.Transport, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := cc.NewStream(ctx, &tunnelServiceDesc.Streams[0], tunnelMethod, opts...)
	if err != nil {
		cancel()
		return nil, err
	}
	return newStreamTransport(stream, stream.CloseSend, cancel), nil
}

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// streamTransport presents a gRPC stream of BytesValue messages as a byte
// stream. Messages are received on a separate goroutine so that Close can
// unblock a pending Read even though a server stream cannot be cancelled.
type streamTransport struct {
	stream    msgStream
	closeSend func() error
	cancel    context.CancelFunc

	in      chan []byte
	recvErr error
	buf     []byte

	sendMu    sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func newStreamTransport(stream msgStream, closeSend func() error, cancel context.CancelFunc) *streamTransport {
	if cancel == nil {
		cancel = func() {}
	}
	t := &streamTransport{
		stream:    stream,
		closeSend: closeSend,
		cancel:    cancel,
		in:        make(chan []byte),
		closed:    make(chan struct{}),
	}
	go t.recvLoop()
	return t
}

func (t *streamTransport) recvLoop() {
	defer close(t.in)
	defer t.cancel()
	for {
		var msg wrapperspb.BytesValue
		if err := t.stream.RecvMsg(&msg); err != nil {
			t.recvErr = err
			return
		}
		select {
		case t.in <- msg.Value:
		case <-t.closed:
			return
		}
	}
}

func (t *streamTransport) Read(p []byte) (int, error) {
	for len(t.buf) == 0 {
		select {
		case b, ok := <-t.in:
			if !ok {
				if t.recvErr == nil || t.recvErr == io.EOF {
					return 0, io.EOF
				}
				return 0, t.recvErr
			}
			t.buf = b
		case <-t.closed:
			return 0, io.ErrClosedPipe
		}
	}
	n := copy(p, t.buf)
	t.buf = t.buf[n:]
	return n, nil
}

func (t *streamTransport) Write(p []byte) (int, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	select {
	case <-t.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	// the caller may reuse p once Write returns
	if err := t.stream.SendMsg(wrapperspb.Bytes(bytes.Clone(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *streamTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.closeSend == nil {
			return
		}
		// a send stuck on flow control is only released by cancelling
		stuck := time.AfterFunc(tunnelCloseSendTimeout, t.cancel)
		t.sendMu.Lock()
		_ = t.closeSend()
		t.sendMu.Unlock()
		stuck.Stop()
	})
	return nil
}
