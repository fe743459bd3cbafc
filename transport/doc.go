// Package transport provides the byte streams that relaymux connections run
// over: plain TCP, WebSockets, and a tunnel carried by a gRPC stream.
//
// Every dialer returns a relaymux.Transport for NewClientConnection. The
// server side of each transport hands accepted streams to a relaymux.Server.
package transport
