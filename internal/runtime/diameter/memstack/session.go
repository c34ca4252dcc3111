package memstack

import (
	"sync"

	"github.com/drblury/rfbridge/internal/runtime/diameter"
)

// Session is an in-memory application session.
type Session struct {
	stack *Stack
	id    string
	role  diameter.Role
	app   diameter.ApplicationID

	mu       sync.Mutex
	state    diameter.State
	listener diameter.SessionListener
	released bool
	sent     []diameter.Message
	inbox    []diameter.Message
}

func (s *Session) ID() string                          { return s.id }
func (s *Session) Role() diameter.Role                 { return s.role }
func (s *Session) Application() diameter.ApplicationID { return s.app }

func (s *Session) State() diameter.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetListener(l diameter.SessionListener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *Session) currentListener() diameter.SessionListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// Send records the message. Client requests are answered asynchronously by
// the stack responder; server answers drive the session state.
func (s *Session) Send(msg diameter.Message) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrSessionReleased
	}
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	if msg.IsRequest() {
		if s.role == diameter.RoleClientAccounting {
			s.transition(diameter.StatePendingEvent)
		}
		s.stack.exchange(s, msg)
		return nil
	}
	s.transition(stateAfter(msg, s.State()))
	return nil
}

// Release frees the session and notifies the observer once.
func (s *Session) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()
	s.stack.release(s.id)
}

// Released reports whether Release was called.
func (s *Session) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Sent returns every message sent on the session.
func (s *Session) Sent() []diameter.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]diameter.Message(nil), s.sent...)
}

// Received returns every message delivered to the session listener.
func (s *Session) Received() []diameter.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]diameter.Message(nil), s.inbox...)
}

func (s *Session) received(msg diameter.Message) {
	s.mu.Lock()
	s.inbox = append(s.inbox, msg)
	s.mu.Unlock()
}

func (s *Session) transition(next diameter.State) {
	s.mu.Lock()
	old := s.state
	if old == next || s.released {
		s.mu.Unlock()
		return
	}
	s.state = next
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.StateChanged(s, old, next)
	}
}
