package relaymux

import (
	"go.uber.org/zap"

	"github.com/relaymux/relaymux/wire"
)

// DefaultWindow is the number of items a consumer lets its peer send before
// the peer has to wait for more demand.
const DefaultWindow = 32

// MinMaxFrameSize is the smallest frame size limit a connection accepts. It
// leaves room for a frame header and a small item.
const MinMaxFrameSize = 64

// Option is an option for configuring the behavior of a connection.
type Option interface {
	apply(*connOpts)
}

// WithLogger returns an option that sets the logger used by the connection.
// By default nothing is logged.
func WithLogger(logger *zap.Logger) Option {
	return connOptFunc(func(opts *connOpts) {
		if logger != nil {
			opts.logger = logger
		}
	})
}

// WithMetrics returns an option that records connection activity in m.
func WithMetrics(m *Metrics) Option {
	return connOptFunc(func(opts *connOpts) {
		opts.metrics = m
	})
}

// WithWindow returns an option that sets how many items a consumer of an
// exchange is willing to buffer. The peer never has more than this many
// PAYLOAD frames in flight for one exchange. Values below one are treated as
// one.
func WithWindow(items uint32) Option {
	return connOptFunc(func(opts *connOpts) {
		opts.window = max(items, 1)
	})
}

// WithMaxFrameSize returns an option that bounds the size of frames accepted
// from, and sent to, the peer. A peer that sends a larger frame is treated as
// broken and the connection is closed. Zero means wire.DefaultMaxFrameSize,
// and sizes below MinMaxFrameSize are raised to it.
func WithMaxFrameSize(size uint32) Option {
	return connOptFunc(func(opts *connOpts) {
		if size == 0 {
			size = wire.DefaultMaxFrameSize
		}
		opts.maxFrameSize = max(size, MinMaxFrameSize)
	})
}

// WithSetup returns an option that sets the metadata and data a client
// connection sends in its SETUP frame. It has no effect on server
// connections.
func WithSetup(metadata, data []byte) Option {
	return connOptFunc(func(opts *connOpts) {
		opts.setup = Setup{Metadata: metadata, Data: data}
	})
}

// withStopping is used by Server so that connections refuse new requests once
// shutdown has been initiated.
func withStopping(stopping func() bool) Option {
	return connOptFunc(func(opts *connOpts) {
		opts.stopping = stopping
	})
}

type connOpts struct {
	logger       *zap.Logger
	metrics      *Metrics
	window       uint32
	maxFrameSize uint32
	setup        Setup
	stopping     func() bool
}

func newConnOpts(opts []Option) connOpts {
	o := connOpts{
		logger:       zap.NewNop(),
		window:       DefaultWindow,
		maxFrameSize: wire.DefaultMaxFrameSize,
		stopping:     func() bool { return false },
	}
	for _, opt := range opts {
		opt.apply(&o)
	}
	return o
}

type connOptFunc func(*connOpts)

func (f connOptFunc) apply(opts *connOpts) {
	f(opts)
}
