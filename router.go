package relaymux

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
)

// Handler serves an exchange opened by the peer. It returns the sequence of
// items to send back; the sequence is pulled only as the peer signals demand.
// Inbound items are read from req. A nil sequence completes the outbound side
// immediately.
//
// A returned error is sent to the peer as an ERROR frame. Errors created with
// the grpc status package keep their code; other errors become Unknown.
type Handler func(ctx context.Context, req *Request) (iter.Seq2[[]byte, error], error)

// Request is what a Handler gets: the exchange being served, the variables
// bound by the matched route pattern, and a handle for sending requests back
// to the peer on the same connection.
type Request struct {
	*Exchange
	Vars Vars
	Peer PeerHandle
}

// PeerHandle lets code send requests to the remote end of a connection.
type PeerHandle interface {
	Request(ctx context.Context, route string, outbound iter.Seq2[[]byte, error]) (*Exchange, error)
}

// Setup is the content of a connection's SETUP frame.
type Setup struct {
	Metadata []byte
	Data     []byte
}

// SetupFunc is invoked once for every established connection, on both ends.
// The context is cancelled when the connection closes, so it is suitable for
// starting per-connection work such as subscriptions back to the peer. It is
// called from the connection's read loop and must not block; a returned error
// closes the connection.
type SetupFunc func(ctx context.Context, peer PeerHandle, setup Setup) error

// Vars holds the values bound to {name} segments of a route pattern.
type Vars map[string]string

// Get returns the value bound to name, or "" if there is none.
func (v Vars) Get(name string) string {
	return v[name]
}

type segment struct {
	literal  string
	variable string // set for {name} segments
}

type route struct {
	pattern  string
	segments []segment
	handler  Handler
}

func (r *route) match(tokens []string) (Vars, bool) {
	if len(tokens) != len(r.segments) {
		return nil, false
	}
	var vars Vars
	for i, seg := range r.segments {
		if seg.variable == "" {
			if tokens[i] != seg.literal {
				return nil, false
			}
			continue
		}
		if tokens[i] == "" {
			return nil, false
		}
		if vars == nil {
			vars = Vars{}
		}
		vars[seg.variable] = tokens[i]
	}
	return vars, true
}

// Router maps route names to handlers. Route names are dot-separated, like
// "messages.for.alice". Patterns may contain variable segments, like
// "messages.for.{name}", which match any single non-empty token.
//
// Routes are normally registered before any connection uses the router. When
// more than one pattern matches a route, the one registered first wins.
type Router struct {
	mu      sync.RWMutex
	routes  []*route
	onSetup SetupFunc
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Handle registers h for routes matching pattern. It panics if the pattern is
// invalid or h is nil.
func (r *Router) Handle(pattern string, h Handler) {
	if h == nil {
		panic(fmt.Sprintf("relaymux: nil handler for %q", pattern))
	}
	segs, err := parsePattern(pattern)
	if err != nil {
		panic(fmt.Sprintf("relaymux: %v", err))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, &route{pattern: pattern, segments: segs, handler: h})
}

// HandleFunc is a convenience for handlers that only produce items. Items
// sent by the peer are read and discarded.
func (r *Router) HandleFunc(pattern string, fn func(ctx context.Context, vars Vars) iter.Seq2[[]byte, error]) {
	r.Handle(pattern, func(ctx context.Context, req *Request) (iter.Seq2[[]byte, error], error) {
		go func() {
			for range req.All() {
			}
		}()
		return fn(ctx, req.Vars), nil
	})
}

// OnConnectionSetup sets the function invoked when a connection using this
// router is established.
func (r *Router) OnConnectionSetup(fn SetupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSetup = fn
}

// Match finds the handler for a route name.
func (r *Router) Match(name string) (Handler, Vars, bool) {
	if r == nil {
		return nil, nil, false
	}
	tokens := strings.Split(name, ".")
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		if vars, ok := rt.match(tokens); ok {
			return rt.handler, vars, true
		}
	}
	return nil, nil, false
}

// Patterns returns the registered patterns in registration order.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	patterns := make([]string, len(r.routes))
	for i, rt := range r.routes {
		patterns[i] = rt.pattern
	}
	return patterns
}

func (r *Router) setupFunc() SetupFunc {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onSetup
}

func parsePattern(pattern string) ([]segment, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty route pattern")
	}
	parts := strings.Split(pattern, ".")
	segs := make([]segment, len(parts))
	seen := map[string]bool{}
	for i, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("route pattern %q has an empty segment", pattern)
		}
		if !strings.HasPrefix(part, "{") && !strings.HasSuffix(part, "}") {
			if strings.ContainsAny(part, "{}") {
				return nil, fmt.Errorf("route pattern %q: segment %q mixes braces with text", pattern, part)
			}
			segs[i] = segment{literal: part}
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(part, "{"), "}")
		if len(part) < 2 || part[0] != '{' || part[len(part)-1] != '}' || name == "" || strings.ContainsAny(name, "{}") {
			return nil, fmt.Errorf("route pattern %q: %q is not a well-formed variable", pattern, part)
		}
		if seen[name] {
			return nil, fmt.Errorf("route pattern %q binds %q twice", pattern, name)
		}
		seen[name] = true
		segs[i] = segment{variable: name}
	}
	return segs, nil
}
