package relaymux

import "context"

type connectionContextKey struct{}

// ConnectionFromContext returns the connection that is serving the given
// context. Contexts passed to route handlers and setup callbacks carry their
// connection. For other contexts this returns nil.
func ConnectionFromContext(ctx context.Context) *Connection {
	c, _ := ctx.Value(connectionContextKey{}).(*Connection)
	return c
}

// PeerFromContext is like ConnectionFromContext but only exposes the ability to
// send requests to the other end of the connection.
func PeerFromContext(ctx context.Context) (PeerHandle, bool) {
	c := ConnectionFromContext(ctx)
	if c == nil {
		return nil, false
	}
	return c, true
}

func contextWithConnection(ctx context.Context, c *Connection) context.Context {
	return context.WithValue(ctx, connectionContextKey{}, c)
}
