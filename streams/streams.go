package streams

import (
	"context"
	"iter"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/relaymux/relaymux"
)

// Message is satisfied by pointers to generated protobuf message structs.
type Message[T any] interface {
	*T
	proto.Message
}

// Of returns a sequence of the given messages.
func Of[M proto.Message](msgs ...M) iter.Seq2[M, error] {
	return func(yield func(M, error) bool) {
		for _, m := range msgs {
			if !yield(m, nil) {
				return
			}
		}
	}
}

// Marshal serializes each message of seq. An error in seq ends the returned
// sequence with that error. A nil seq yields a nil sequence.
func Marshal[M proto.Message](seq iter.Seq2[M, error]) iter.Seq2[[]byte, error] {
	if seq == nil {
		return nil
	}
	return func(yield func([]byte, error) bool) {
		for m, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}
			b, err := proto.Marshal(m)
			if err != nil {
				yield(nil, status.Errorf(codes.Internal, "failed to marshal %T: %v", m, err))
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

// Unmarshal decodes each item of seq into a new message.
func Unmarshal[T any, PT Message[T]](seq iter.Seq2[[]byte, error]) iter.Seq2[PT, error] {
	return func(yield func(PT, error) bool) {
		for b, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}
			msg := PT(new(T))
			if err := proto.Unmarshal(b, msg); err != nil {
				yield(nil, status.Errorf(codes.InvalidArgument, "failed to unmarshal %T: %v", msg, err))
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Request opens an exchange on route and returns it along with its inbound
// items decoded as T. Use Marshal to build the outbound sequence.
func Request[T any, PT Message[T]](ctx context.Context, peer relaymux.PeerHandle, route string, outbound iter.Seq2[[]byte, error]) (*relaymux.Exchange, iter.Seq2[PT, error], error) {
	ex, err := peer.Request(ctx, route, outbound)
	if err != nil {
		return nil, nil, err
	}
	return ex, Unmarshal[T, PT](ex.All()), nil
}

// HandlerFunc serves an exchange whose items in both directions are protobuf
// messages.
type HandlerFunc[PIn proto.Message, Out proto.Message] func(ctx context.Context, req *relaymux.Request, in iter.Seq2[PIn, error]) (iter.Seq2[Out, error], error)

// Handle registers h with r for routes matching pattern. Inbound items are
// decoded as In before h sees them. An item that cannot be decoded ends the
// inbound sequence with an InvalidArgument error; if h passes that error on to
// its outbound sequence, the exchange fails with it.
func Handle[In any, PIn Message[In], Out proto.Message](r *relaymux.Router, pattern string, h HandlerFunc[PIn, Out]) {
	r.Handle(pattern, func(ctx context.Context, req *relaymux.Request) (iter.Seq2[[]byte, error], error) {
		out, err := h(ctx, req, Unmarshal[In, PIn](req.All()))
		if err != nil {
			return nil, err
		}
		return Marshal(out), nil
	})
}
