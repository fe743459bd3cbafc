// Package relaymux multiplexes many independent, bidirectional streams of
// messages over one duplex byte stream, such as a TCP connection, a WebSocket
// or a gRPC stream.
//
// Either end of a connection can send routed requests to the other at any
// time. Each request opens an exchange: a pair of item sequences, one in each
// direction, with its own lifecycle. Exchanges are flow controlled
// independently, so a slow consumer on one exchange never holds up the others,
// and they can be cancelled by either end without affecting the connection.
//
// The end that established the transport creates its connection with
// NewClientConnection; the end that accepted it uses NewServerConnection, or a
// Server when it serves many clients. Requests from the peer are dispatched by
// a Router, whose setup callback also allows the server to send requests back
// to a client as soon as it connects.
//
// Frames on the wire are described in package wire.
package relaymux
