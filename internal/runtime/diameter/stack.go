package diameter

import (
	"fmt"
	"strconv"
	"strings"
)

// ApplicationID is a (vendor-id, accounting-application-id) pair.
type ApplicationID struct {
	VendorID  uint32
	AcctAppID uint32
}

// String renders the id in the "vendor:app" configuration syntax.
func (a ApplicationID) String() string {
	return strconv.FormatUint(uint64(a.VendorID), 10) + ":" + strconv.FormatUint(uint64(a.AcctAppID), 10)
}

// ParseApplicationID parses a single "vendor:app" pair.
func ParseApplicationID(raw string) (ApplicationID, error) {
	vendor, app, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return ApplicationID{}, fmt.Errorf("application id %q: expected vendor:app", raw)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(vendor), 10, 32)
	if err != nil {
		return ApplicationID{}, fmt.Errorf("application id %q: vendor: %w", raw, err)
	}
	a, err := strconv.ParseUint(strings.TrimSpace(app), 10, 32)
	if err != nil {
		return ApplicationID{}, fmt.Errorf("application id %q: application: %w", raw, err)
	}
	return ApplicationID{VendorID: uint32(v), AcctAppID: uint32(a)}, nil
}

// Peer is an entry of the stack's peer table.
type Peer interface {
	// URI returns the transport identity, e.g. "aaa://host.example:3868".
	URI() string
}

// SessionFactory allocates application sessions.
type SessionFactory interface {
	// NewClientSession allocates a client accounting session. An empty id
	// lets the stack generate one.
	NewClientSession(id string, app ApplicationID) (Session, error)
	// NewServerSession allocates a server accounting session for an inbound request.
	NewServerSession(id string, app ApplicationID, req Message) (Session, error)
}

// Stack is the connected protocol stack.
type Stack interface {
	SessionFactory
	PeerTable() ([]Peer, error)
	OriginHost() Identity
	OriginRealm() Identity
	// SetObserver registers the receiver of session lifecycle notifications.
	SetObserver(o SessionObserver)
}

// Listener receives network traffic not already claimed by a session.
type Listener interface {
	// ProcessRequest handles an inbound request. A nil answer means the
	// answer is sent later through the session.
	ProcessRequest(req Message) Message
	ReceivedSuccessMessage(req, ans Message)
	TimeoutExpired(req Message)
}

// SessionObserver receives session lifecycle notifications from the stack.
type SessionObserver interface {
	SessionCreated(s Session)
	SessionExists(id string) bool
	SessionDestroyed(id string)
}

// Multiplexer routes traffic for a set of applications to a Listener.
type Multiplexer interface {
	RegisterListener(l Listener, apps []ApplicationID) error
	UnregisterListener(l Listener)
	Stack() Stack
}
