package relaymux

import (
	"fmt"
	"sync"

	"github.com/relaymux/relaymux/wire"
)

// Role says which end of the transport a connection is. The role only
// decides stream ID parity; both roles can send and serve requests.
type Role int

const (
	// RoleClient is the end that established the transport. It allocates odd
	// stream IDs and sends the SETUP frame.
	RoleClient Role = iota
	// RoleServer is the end that accepted the transport. It allocates even
	// stream IDs and expects SETUP as the first frame.
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

func (r Role) owns(id wire.StreamID) bool {
	if id == 0 {
		return false
	}
	if r == RoleClient {
		return id%2 == 1
	}
	return id%2 == 0
}

// registry is the per-connection table of active exchanges. It is the only
// state shared between the read loop and the goroutines serving exchanges, so
// every operation takes the single mutex.
type registry struct {
	role Role

	mu         sync.Mutex
	exchanges  map[wire.StreamID]*Exchange
	lastLocal  wire.StreamID
	lastRemote wire.StreamID
	closed     error
}

func newRegistry(role Role) *registry {
	r := &registry{
		role:      role,
		exchanges: map[wire.StreamID]*Exchange{},
	}
	if role == RoleClient {
		// wraps around, so the first allocation yields 1
		r.lastLocal = ^wire.StreamID(0)
	}
	return r
}

// allocate returns the next unused stream ID of the local parity.
func (r *registry) allocate() (wire.StreamID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed != nil {
		return 0, r.closed
	}
	next := r.lastLocal + 2
	if next > wire.MaxStreamID {
		return 0, ErrIDSpaceExhausted
	}
	r.lastLocal = next
	return next, nil
}

func (r *registry) register(id wire.StreamID, ex *Exchange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed != nil {
		return r.closed
	}
	if _, ok := r.exchanges[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateStream, id)
	}
	r.exchanges[id] = ex
	return nil
}

// claimRemote records that the peer opened stream id. The ID must have the
// peer's parity and be newer than any stream the peer opened before, so late
// frames for old streams can never resurrect them. A claimed ID is used up
// even if no exchange is registered for it.
func (r *registry) claimRemote(id wire.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed != nil {
		return r.closed
	}
	if id == 0 || r.role.owns(id) {
		return fmt.Errorf("cannot create stream ID %d: wrong parity for a remote stream", id)
	}
	if _, ok := r.exchanges[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateStream, id)
	}
	if id <= r.lastRemote {
		return fmt.Errorf("cannot create stream ID %d: that ID has already been used", id)
	}
	r.lastRemote = id
	return nil
}

// lookup never fails: the peer may legitimately reference a stream we have
// already released, racing with its completion.
func (r *registry) lookup(id wire.StreamID) (*Exchange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.exchanges[id]
	return ex, ok
}

func (r *registry) release(id wire.StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.exchanges, id)
}

// drain removes every exchange and makes all later operations fail with err.
func (r *registry) drain(err error) []*Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed == nil {
		r.closed = err
	}
	all := make([]*Exchange, 0, len(r.exchanges))
	for _, ex := range r.exchanges {
		all = append(all, ex)
	}
	clear(r.exchanges)
	return all
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exchanges)
}
