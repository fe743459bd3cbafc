package relaymux

import (
	"container/list"
	"context"
	"io"
	"math"
	"sync"
	"sync/atomic"
)

// sender tracks the credit the peer has granted for one direction of an
// exchange. A producer must acquire one unit of credit per PAYLOAD frame.
type sender struct {
	ctx           context.Context
	windowUpdates chan struct{}
	currentWindow atomic.Uint32
}

func newSender(ctx context.Context, initialWindow uint32) *sender {
	s := &sender{
		ctx:           ctx,
		windowUpdates: make(chan struct{}, 1),
	}
	s.currentWindow.Store(initialWindow)
	return s
}

// updateWindow adds credit granted by the peer. Credit saturates rather than
// wrapping around.
func (s *sender) updateWindow(add uint32) {
	if add == 0 {
		return
	}
	for {
		prevWindow := s.currentWindow.Load()
		newWindow := uint32(math.MaxUint32)
		if uint64(prevWindow)+uint64(add) < math.MaxUint32 {
			newWindow = prevWindow + add
		}
		if !s.currentWindow.CompareAndSwap(prevWindow, newWindow) {
			continue
		}
		if prevWindow == 0 {
			select {
			case s.windowUpdates <- struct{}{}:
			default:
			}
		}
		return
	}
}

// acquire blocks until one unit of credit is available and takes it. It fails
// only when the exchange is finished.
func (s *sender) acquire() error {
	for {
		windowSz := s.currentWindow.Load()
		if windowSz == 0 {
			// must wait for a demand signal before we can send more
			select {
			case <-s.windowUpdates:
			case <-s.ctx.Done():
				return s.ctx.Err()
			}
			continue
		}
		if s.currentWindow.CompareAndSwap(windowSz, windowSz-1) {
			return nil
		}
	}
}

func (s *sender) available() uint32 {
	return s.currentWindow.Load()
}

// receiver is the inbound queue of one exchange. The read loop must never
// block on a slow consumer, so items go into an unbounded list. In practice the
// list never holds more than the window: the peer may only send as many items
// as we have granted, and a peer that exceeds its credit is rejected.
type receiver struct {
	window       uint32
	updateWindow func(uint32)

	mu            sync.Mutex
	cond          sync.Cond
	items         *list.List
	closed        bool
	err           error
	currentWindow uint32
	consumed      uint32
}

func newReceiver(initialWindow uint32, updateWindow func(uint32)) *receiver {
	r := &receiver{
		window:        initialWindow,
		updateWindow:  updateWindow,
		items:         list.New(),
		currentWindow: initialWindow,
	}
	r.cond.L = &r.mu
	return r
}

func (r *receiver) accept(item []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if r.currentWindow == 0 {
		return errFlowControlWindowExceeded
	}
	r.currentWindow--
	signal := r.items.Len() == 0
	r.items.PushBack(item)
	if signal {
		r.cond.Signal()
	}
	return nil
}

// close ends the queue gracefully: queued items are still delivered, then
// dequeue reports err (io.EOF if nil).
func (r *receiver) close(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(err)
}

// abort ends the queue and discards anything not yet consumed.
func (r *receiver) abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(err)
	r.items.Init() // clear list to free memory
}

func (r *receiver) closeLocked(err error) {
	if r.closed {
		return
	}
	if err == nil {
		err = io.EOF
	}
	r.closed = true
	r.err = err
	r.cond.Broadcast()
}

func (r *receiver) dequeue() ([]byte, error) {
	var windowUpdate uint32
	defer func() {
		if windowUpdate > 0 {
			r.updateWindow(windowUpdate)
		}
	}()
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if element := r.items.Front(); element != nil {
			item := r.items.Remove(element).([]byte)
			if !r.closed {
				// replenish in batches so that a fast consumer does not
				// answer every item with a demand signal
				r.consumed++
				if r.consumed >= max(r.window/2, 1) {
					windowUpdate = r.consumed
					r.currentWindow += r.consumed
					r.consumed = 0
				}
			}
			return item, nil
		}
		if r.closed {
			return nil, r.err
		}
		r.cond.Wait()
	}
}
