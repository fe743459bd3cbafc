package internal

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// DialKeepAlive dials a TCP connection with keepalives enabled, using the OS
// defaults for the keepalive interval and time. Multiplexed connections are
// long-lived and often idle, so dead peers would otherwise go unnoticed.
func DialKeepAlive(ctx context.Context, addr string) (net.Conn, error) {
	return (&net.Dialer{
		// negative: keep the OS keepalive parameters, enabled below
		KeepAlive: time.Duration(-1),
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
			})
		},
	}).DialContext(ctx, "tcp", addr)
}

// BlockingDial creates a gRPC client for addr and waits until it is ready.
// If ctx ends first, the last dial error is returned in place of the context
// error when there is one. A dial error that is not temporary stops the wait
// early.
func BlockingDial(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var lastErr error
	cc, err := grpc.NewClient(addr, append(opts,
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			conn, err := DialKeepAlive(ctx, addr)
			if err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				if !isTemporary(err) {
					cancel()
				}
			}
			return conn, err
		}))...,
	)
	if err != nil {
		return nil, err
	}
	cc.Connect()
	for {
		state := cc.GetState()
		if state == connectivity.Ready {
			return cc, nil
		}
		if !cc.WaitForStateChange(ctx, state) {
			_ = cc.Close()
			mu.Lock()
			defer mu.Unlock()
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}
	}
}

// isTemporary reports whether a dial error may go away on retry. Errors that
// say nothing either way count as temporary.
func isTemporary(err error) bool {
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) {
		return timeout.Timeout()
	}
	return true
}
