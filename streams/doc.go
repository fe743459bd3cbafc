// Package streams adapts the raw byte items of relaymux exchanges to typed
// protobuf messages.
//
// Outbound sequences of messages are converted with Marshal, and inbound
// items with Unmarshal. Request and Handle combine these with
// relaymux.PeerHandle.Request and relaymux.Router.Handle, so that both ends of
// an exchange only ever see messages:
//
//	streams.Handle(router, "messages.for.{name}",
//		func(ctx context.Context, req *relaymux.Request, in iter.Seq2[*wrapperspb.StringValue, error]) (iter.Seq2[*wrapperspb.StringValue, error], error) {
//			return in, nil
//		})
//
//	ex, replies, err := streams.Request[wrapperspb.StringValue](ctx, peer, "messages.for.alice",
//		streams.Marshal(streams.Of(wrapperspb.String("hi"))))
//
// An item that cannot be decoded ends the inbound sequence with an
// InvalidArgument error.
package streams
