package diameter

import "fmt"

// Role is the role a session plays in an application.
type Role int

const (
	RoleClientAccounting Role = iota + 1
	RoleServerAccounting
	RoleClientAuth
	RoleServerAuth
)

// IsAccounting reports whether the role belongs to the accounting application.
func (r Role) IsAccounting() bool {
	return r == RoleClientAccounting || r == RoleServerAccounting
}

func (r Role) String() string {
	switch r {
	case RoleClientAccounting:
		return "client"
	case RoleServerAccounting:
		return "server"
	case RoleClientAuth:
		return "auth-client"
	case RoleServerAuth:
		return "auth-server"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// State is the application-session state reported by the stack.
type State int

const (
	StateIdle State = iota
	StateOpen
	StatePendingEvent
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StatePendingEvent:
		return "pending"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is an application session allocated by the stack.
type Session interface {
	ID() string
	Role() Role
	State() State
	// Send hands a message to the stack. Answers and timeouts are reported
	// to the session listener.
	Send(msg Message) error
	// SetListener replaces the listener receiving this session's events.
	SetListener(l SessionListener)
	// Release frees the session in the stack. Calling it twice is harmless.
	Release()
}

// SessionListener receives per-session notifications from the stack.
type SessionListener interface {
	StateChanged(s Session, oldState, newState State)
	MessageReceived(s Session, msg Message)
	RequestTimedOut(s Session, req Message)
}
