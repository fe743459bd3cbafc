package transport

import (
	"context"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/relaymux/relaymux"
	"github.com/relaymux/relaymux/internal"
)

// DialTCP connects to a server listening on addr. TCP keepalives are enabled
// on the connection.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	return internal.DialKeepAlive(ctx, addr)
}

// ServeListener accepts connections from l and serves each of them with srv.
// It returns when ctx is done, after closing l and every connection it
// accepted, or when l fails. It returns nil if stopped by ctx.
func ServeListener(ctx context.Context, l net.Listener, srv *relaymux.Server) error {
	var grp errgroup.Group
	defer func() {
		_ = grp.Wait()
	}()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp.Go(func() error {
		<-ctx.Done()
		_ = l.Close()
		return nil
	})
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		grp.Go(func() error {
			_ = srv.ServeTransport(ctx, conn)
			return nil
		})
	}
}
