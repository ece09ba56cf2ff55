package store

import (
	"sync"

	"github.com/mattjoyce/weir/internal/frame"
)

// hub fans appended frames out to live followers. Unlike a lossy ring
// buffer, delivery here must preserve append order and never drop: the
// duplex router depends on .send frames arriving exactly once, in order.
// Each subscriber keeps an in-memory queue drained by its follow pump, so
// publishing never blocks the append path.
type hub struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	match func(frame.Frame) bool
	limit int

	mu      sync.Mutex
	pending []frame.Frame
	wake    chan struct{}
	closed  bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]*subscriber)}
}

// publish enqueues f to every matching subscriber. Non-blocking.
func (h *hub) publish(f frame.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		if sub.match != nil && !sub.match(f) {
			continue
		}
		sub.enqueue(f)
	}
}

// subscribe registers a subscriber whose queue receives every frame
// published from this point on that satisfies match (nil matches all).
// limit caps the pending queue: a subscriber that falls more than limit
// frames behind is closed, after its queued frames drain. Zero means
// unbounded, for internal subscribers whose delivery must be lossless.
// The returned cancel must be called exactly once.
func (h *hub) subscribe(match func(frame.Frame) bool, limit int) (*subscriber, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{
		match: match,
		limit: limit,
		wake:  make(chan struct{}, 1),
	}
	id := h.nextID
	h.nextID++
	if h.closed {
		sub.close()
		return sub, func() {}
	}
	h.subs[id] = sub

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			s.close()
		}
		h.mu.Unlock()
	}
	return sub, cancel
}

// close shuts down every subscriber. Follow pumps observe the closed state
// and terminate.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.close()
	}
}

func (s *subscriber) enqueue(f frame.Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.limit > 0 && len(s.pending) >= s.limit {
		// The consumer has fallen too far behind. Closing here keeps the
		// queued frames (delivered in order, then the channel ends) while
		// capping what a stalled follower can hold in memory.
		s.closed = true
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
		return
	}
	s.pending = append(s.pending, f)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest queued frame. Taking one frame at a time keeps the
// pending count honest while the pump is blocked on a slow consumer, which
// is what the limit in enqueue is measured against. open is false once the
// subscriber is closed and fully drained.
func (s *subscriber) next() (f frame.Frame, have, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		f = s.pending[0]
		s.pending = s.pending[1:]
		return f, true, true
	}
	return frame.Frame{}, false, !s.closed
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}
