package relaymux

import (
	"errors"
	"fmt"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

var (
	// ErrConnectionClosed is the terminal error of every exchange that was
	// still active when its connection went away. It usually wraps the
	// transport error that caused the connection to close.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrDuplicateStream is returned when registering a stream ID that is
	// already active.
	ErrDuplicateStream = errors.New("stream ID already active")
	// ErrIDSpaceExhausted is returned when a connection has allocated every
	// stream ID of its parity. A new connection must be created.
	ErrIDSpaceExhausted = errors.New("all stream IDs exhausted (must create a new connection)")
	// ErrRouteNotFound matches (via errors.Is) the RemoteError received when
	// the peer has no handler for the requested route.
	ErrRouteNotFound = errors.New("route not found")
)

var errFlowControlWindowExceeded = status.Error(codes.ResourceExhausted, "flow control window exceeded")

// RemoteError is the error an exchange fails with when the peer sends an
// ERROR frame. It carries the gRPC status sent by the peer, so status.Code and
// status.FromError work on it.
type RemoteError struct {
	st *status.Status
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: code = %s desc = %s", e.st.Code(), e.st.Message())
}

// GRPCStatus returns the status sent by the peer.
func (e *RemoteError) GRPCStatus() *status.Status {
	return e.st
}

// Code returns the status code sent by the peer.
func (e *RemoteError) Code() codes.Code {
	return e.st.Code()
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRouteNotFound && e.st.Code() == codes.NotFound
}

func routeNotFound(route string) error {
	return status.Errorf(codes.NotFound, "route %q not found", route)
}

// errorPayload serializes err as a google.rpc.Status, for the payload of an
// ERROR frame.
func errorPayload(err error) []byte {
	st, _ := status.FromError(err)
	b, mErr := proto.Marshal(st.Proto())
	if mErr != nil {
		// fall back to something the peer can still show to a user
		return []byte(err.Error())
	}
	return b
}

// remoteError decodes the payload of an ERROR frame. A payload that is not a
// serialized status is kept as the message of an Unknown status.
func remoteError(payload []byte) *RemoteError {
	var sp spb.Status
	if err := proto.Unmarshal(payload, &sp); err != nil || sp.Code == int32(codes.OK) {
		return &RemoteError{st: status.New(codes.Unknown, string(payload))}
	}
	return &RemoteError{st: status.FromProto(&sp)}
}

// ErrProtocol is the cause of a connection closed because the peer broke the
// framing protocol, for example by sending a frame other than SETUP first.
var ErrProtocol = errors.New("protocol violation")
