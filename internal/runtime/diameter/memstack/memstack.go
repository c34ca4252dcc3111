// Package memstack is an in-process Diameter stack. It allocates sessions,
// loops client requests back through a responder and lets callers inject
// network traffic. It backs the simulator and the adaptor tests.
package memstack

import (
	"errors"
	"sync"
	"time"

	"github.com/drblury/rfbridge/internal/runtime/diameter"
	"github.com/drblury/rfbridge/internal/runtime/ids"
)

// ErrSessionReleased is returned when sending on a released session.
var ErrSessionReleased = errors.New("memstack: session released")

// ErrNoListener is returned by Inject when no listener is registered.
var ErrNoListener = errors.New("memstack: no listener registered")

// Responder produces the answer to a client request. Returning nil leaves the
// request unanswered.
type Responder func(req diameter.Message) diameter.Message

// AcceptAll answers every accounting request with DIAMETER_SUCCESS and echoes
// the record type and number.
func AcceptAll(host, realm diameter.Identity) Responder {
	return func(req diameter.Message) diameter.Message {
		ans := diameter.NewAnswer(req).Add(
			diameter.NewAVP(diameter.AVPResultCode, diameter.ResultSuccess),
			diameter.NewAVP(diameter.AVPOriginHost, host),
			diameter.NewAVP(diameter.AVPOriginRealm, realm),
		)
		for _, code := range []uint32{diameter.AVPAccountingRecordType, diameter.AVPAccountingRecordNumber} {
			if a, ok := req.AVPs().Get(code); ok {
				ans.Add(a)
			}
		}
		return ans
	}
}

// Option configures a Stack.
type Option func(*Stack)

// WithOrigin sets the local identity used for generated session ids.
func WithOrigin(host, realm diameter.Identity) Option {
	return func(s *Stack) {
		s.originHost = host
		s.originRealm = realm
	}
}

// WithPeers sets the peer table.
func WithPeers(uris ...string) Option {
	return func(s *Stack) {
		s.peers = nil
		for _, uri := range uris {
			s.peers = append(s.peers, peer(uri))
		}
	}
}

// WithResponder sets the function answering client requests.
func WithResponder(r Responder) Option {
	return func(s *Stack) { s.responder = r }
}

// WithAnswerDelay delays delivery of every answer.
func WithAnswerDelay(d time.Duration) Option {
	return func(s *Stack) { s.answerDelay = d }
}

// WithRequestTimeout makes unanswered client requests report a timeout to the
// session listener after d. Zero disables stack side timeouts.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Stack) { s.requestTimeout = d }
}

type peer string

func (p peer) URI() string { return string(p) }

// Stack implements diameter.Stack and diameter.Multiplexer.
type Stack struct {
	originHost     diameter.Identity
	originRealm    diameter.Identity
	responder      Responder
	answerDelay    time.Duration
	requestTimeout time.Duration

	mu        sync.Mutex
	peers     []diameter.Peer
	peerErr   error
	sessions  map[string]*Session
	observer  diameter.SessionObserver
	listener  diameter.Listener
	apps      []diameter.ApplicationID
	failNext  error
	nilNext   bool
	immediate []diameter.Message

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a stack. Without a responder client requests stay unanswered.
func New(opts ...Option) *Stack {
	s := &Stack{
		originHost:  "rfbridge.local",
		originRealm: "local",
		sessions:    make(map[string]*Session),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops pending deliveries and waits for them to return.
func (s *Stack) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Stack) OriginHost() diameter.Identity  { return s.originHost }
func (s *Stack) OriginRealm() diameter.Identity { return s.originRealm }

func (s *Stack) SetObserver(o diameter.SessionObserver) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

func (s *Stack) PeerTable() ([]diameter.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerErr != nil {
		return nil, s.peerErr
	}
	return append([]diameter.Peer(nil), s.peers...), nil
}

// FailPeerTable makes PeerTable return err until cleared with nil.
func (s *Stack) FailPeerTable(err error) {
	s.mu.Lock()
	s.peerErr = err
	s.mu.Unlock()
}

// FailNextSession makes the next allocation return err.
func (s *Stack) FailNextSession(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// NilNextSession makes the next allocation return a nil session and no error.
func (s *Stack) NilNextSession() {
	s.mu.Lock()
	s.nilNext = true
	s.mu.Unlock()
}

func (s *Stack) RegisterListener(l diameter.Listener, apps []diameter.ApplicationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
	s.apps = append([]diameter.ApplicationID(nil), apps...)
	return nil
}

func (s *Stack) UnregisterListener(l diameter.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == l {
		s.listener = nil
		s.apps = nil
	}
}

func (s *Stack) Stack() diameter.Stack { return s }

// Applications returns the application ids of the registered listener.
func (s *Stack) Applications() []diameter.ApplicationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]diameter.ApplicationID(nil), s.apps...)
}

func (s *Stack) NewClientSession(id string, app diameter.ApplicationID) (diameter.Session, error) {
	return s.allocate(id, diameter.RoleClientAccounting, app)
}

func (s *Stack) NewServerSession(id string, app diameter.ApplicationID, _ diameter.Message) (diameter.Session, error) {
	return s.allocate(id, diameter.RoleServerAccounting, app)
}

// Announce allocates a session with an arbitrary role and notifies the
// observer, as a stack does for sessions created by other applications.
func (s *Stack) Announce(role diameter.Role, id string) *Session {
	sess, _ := s.allocate(id, role, diameter.ApplicationID{})
	if sess == nil {
		return nil
	}
	return sess.(*Session)
}

func (s *Stack) allocate(id string, role diameter.Role, app diameter.ApplicationID) (diameter.Session, error) {
	s.mu.Lock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		s.mu.Unlock()
		return nil, err
	}
	if s.nilNext {
		s.nilNext = false
		s.mu.Unlock()
		return nil, nil
	}
	if id == "" {
		id = ids.NewSessionID(string(s.originHost))
	}
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{stack: s, id: id, role: role, app: app}
		s.sessions[id] = sess
	}
	observer := s.observer
	s.mu.Unlock()

	if !ok && observer != nil {
		observer.SessionCreated(sess)
	}
	return sess, nil
}

// Session returns a live session by id.
func (s *Stack) Session(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// SessionCount returns the number of live sessions.
func (s *Stack) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Inject delivers an inbound request. Requests for a live session go to its
// listener; otherwise the registered Listener processes it. A non-nil answer
// from ProcessRequest is kept and returned.
func (s *Stack) Inject(req diameter.Message) (diameter.Message, error) {
	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID()]
	listener := s.listener
	s.mu.Unlock()

	if ok {
		if sl := sess.currentListener(); sl != nil {
			sess.received(req)
			sl.MessageReceived(sess, req)
			return nil, nil
		}
	}
	if listener == nil {
		return nil, ErrNoListener
	}
	ans := listener.ProcessRequest(req)
	if ans != nil {
		s.mu.Lock()
		s.immediate = append(s.immediate, ans)
		s.mu.Unlock()
	}
	return ans, nil
}

// ExpireRequest reports a request timeout through the registered Listener.
func (s *Stack) ExpireRequest(req diameter.Message) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.TimeoutExpired(req)
	}
}

// DeliverSuccess reports an answer the stack could not route to a session.
func (s *Stack) DeliverSuccess(req, ans diameter.Message) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.ReceivedSuccessMessage(req, ans)
	}
}

// Terminate moves a session to the terminated state and notifies its listener.
func (s *Stack) Terminate(id string) {
	if sess, ok := s.Session(id); ok {
		sess.transition(diameter.StateTerminated)
	}
}

func (s *Stack) release(id string) {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	observer := s.observer
	s.mu.Unlock()
	if ok && observer != nil {
		observer.SessionDestroyed(id)
	}
}

func (s *Stack) exchange(sess *Session, req diameter.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var ans diameter.Message
		if s.responder != nil {
			ans = s.responder(req)
		}
		if ans == nil {
			if s.requestTimeout <= 0 {
				return
			}
			select {
			case <-time.After(s.requestTimeout):
				if l := sess.currentListener(); l != nil {
					l.RequestTimedOut(sess, req)
				}
			case <-s.done:
			}
			return
		}
		if s.answerDelay > 0 {
			select {
			case <-time.After(s.answerDelay):
			case <-s.done:
				return
			}
		}
		sess.received(ans)
		if l := sess.currentListener(); l != nil {
			l.MessageReceived(sess, ans)
		}
		sess.transition(stateAfter(ans, sess.State()))
	}()
}

// stateAfter follows the accounting session state machine on a record type.
func stateAfter(msg diameter.Message, current diameter.State) diameter.State {
	rt, ok, err := diameter.LookupUnsigned32(msg.AVPs(), diameter.AVPAccountingRecordType)
	if !ok || err != nil {
		return current
	}
	switch rt {
	case diameter.RecordStart, diameter.RecordInterim:
		return diameter.StateOpen
	case diameter.RecordStop, diameter.RecordEvent:
		return diameter.StateIdle
	}
	return current
}
