package worker

import (
	"sync"

	"github.com/michaelbrown/cellsrv/internal/wire"
)

// hub fans iopub messages out to every subscriber. Each subscriber has its
// own queue, so a slow reader delays only itself and never loses messages.
type hub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

func newHub() *hub {
	return &hub{subscribers: make(map[*subscriber]struct{})}
}

type subscriber struct {
	mu     sync.Mutex
	queue  []wire.Message
	ready  chan struct{}
	closed bool
}

func (s *subscriber) push(m wire.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) wake() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// next returns the oldest queued message. It reports false once the
// subscriber is closed and drained, or when done is closed first.
func (s *subscriber) next(done <-chan struct{}) (wire.Message, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			m := s.queue[0]
			s.queue[0] = wire.Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return m, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return wire.Message{}, false
		}

		select {
		case <-s.ready:
		case <-done:
			return wire.Message{}, false
		}
	}
}

func (h *hub) subscribe() (*subscriber, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{ready: make(chan struct{}, 1)}
	if h.closed {
		sub.close()
		return sub, func() {}
	}
	h.subscribers[sub] = struct{}{}

	unsub := func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
		sub.close()
	}
	return sub, unsub
}

func (h *hub) publish(m wire.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for sub := range h.subscribers {
		sub.push(m)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subscribers {
		sub.close()
	}
	h.subscribers = nil
}
