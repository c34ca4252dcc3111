// Package activity holds the accounting activities of the adaptor: one
// Activity per live Diameter session, owned by a Registry once registered.
package activity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/rfbridge/internal/runtime/diameter"
	errspkg "github.com/drblury/rfbridge/internal/runtime/errors"
	loggingpkg "github.com/drblury/rfbridge/internal/runtime/logging"
)

// Handle identifies an activity by its session id.
type Handle struct {
	id string
}

// NewHandle wraps a session id.
func NewHandle(sessionID string) Handle {
	return Handle{id: sessionID}
}

func (h Handle) String() string { return h.id }

// IsZero reports whether the handle carries no session id.
func (h Handle) IsZero() bool { return h.id == "" }

// MarshalText encodes the handle as its session id.
func (h Handle) MarshalText() ([]byte, error) { return []byte(h.id), nil }

// Dialog is either a ClientDialog or a ServerDialog.
type Dialog interface {
	Session() diameter.Session
	Role() diameter.Role
	isDialog()
}

// ClientDialog is a locally initiated accounting dialog.
type ClientDialog struct {
	session          diameter.Session
	DestinationHost  diameter.Identity
	DestinationRealm diameter.Identity
}

func (d ClientDialog) Session() diameter.Session { return d.session }
func (ClientDialog) Role() diameter.Role         { return diameter.RoleClientAccounting }
func (ClientDialog) isDialog()                   {}

// ServerDialog is a network initiated accounting dialog.
type ServerDialog struct {
	session diameter.Session
}

func (d ServerDialog) Session() diameter.Session { return d.session }
func (ServerDialog) Role() diameter.Role         { return diameter.RoleServerAccounting }
func (ServerDialog) isDialog()                   {}

// Listener receives what an activity cannot handle itself.
type Listener interface {
	// InboundMessage is called for requests and for answers to asynchronous sends.
	InboundMessage(a *Activity, msg diameter.Message)
	// ActivityEnding is called exactly once when the activity ends.
	ActivityEnding(a *Activity)
}

// Option configures an Activity.
type Option func(*Activity)

// WithLogger sets the logger used for correlation failures.
func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(a *Activity) {
		if log != nil {
			a.logger = log
		}
	}
}

// WithDestination sets the destination of a client dialog.
func WithDestination(host, realm diameter.Identity) Option {
	return func(a *Activity) {
		if d, ok := a.dialog.(ClientDialog); ok {
			d.DestinationHost = host
			d.DestinationRealm = realm
			a.dialog = d
		}
	}
}

// Activity is one accounting dialog. It is the session listener of its
// session once attached.
type Activity struct {
	handle   Handle
	listener Listener
	logger   loggingpkg.ServiceLogger

	valid       atomic.Bool
	attachOnce  sync.Once
	outstanding atomic.Int64

	mu      sync.Mutex
	dialog  Dialog
	pending chan diameter.Message
}

// New wraps session in an activity. The dialog variant follows the session role.
func New(session diameter.Session, listener Listener, opts ...Option) (*Activity, error) {
	if session == nil {
		return nil, fmt.Errorf("activity: session is required")
	}
	var d Dialog
	switch session.Role() {
	case diameter.RoleClientAccounting:
		d = ClientDialog{session: session}
	case diameter.RoleServerAccounting:
		d = ServerDialog{session: session}
	default:
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnexpectedSessionRole, session.Role())
	}
	a := &Activity{
		handle:   NewHandle(session.ID()),
		listener: listener,
		logger:   loggingpkg.NewNopServiceLogger(),
		dialog:   d,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(loggingpkg.LogFields{
		loggingpkg.FieldHandle: a.handle.String(),
		loggingpkg.FieldRole:   d.Role().String(),
	})
	a.valid.Store(true)
	return a, nil
}

func (a *Activity) Handle() Handle { return a.handle }

// Dialog returns a copy of the current dialog.
func (a *Activity) Dialog() Dialog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dialog
}

func (a *Activity) Session() diameter.Session { return a.Dialog().Session() }

// IsValid reports whether the activity has not ended.
func (a *Activity) IsValid() bool { return a.valid.Load() }

// AttachSession makes the activity the listener of its session. Only the
// first call has an effect.
func (a *Activity) AttachSession() {
	a.attachOnce.Do(func() {
		a.Session().SetListener(a)
	})
}

// SetDestination fills in the destination of a client dialog that has none.
// It reports whether the destination was changed.
func (a *Activity) SetDestination(host, realm diameter.Identity) bool {
	if host.IsZero() && realm.IsZero() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.dialog.(ClientDialog)
	if !ok || !d.DestinationHost.IsZero() || !d.DestinationRealm.IsZero() {
		return false
	}
	d.DestinationHost = host
	d.DestinationRealm = realm
	a.dialog = d
	return true
}

// Send hands msg to the session without waiting. Answers to requests sent
// this way reach the Listener.
func (a *Activity) Send(msg diameter.Message) error {
	if msg == nil {
		return errspkg.ErrNilMessage
	}
	if !a.IsValid() {
		return errspkg.ErrActivityEnded
	}
	if msg.IsRequest() {
		a.outstanding.Add(1)
	}
	if err := a.Session().Send(msg); err != nil {
		if msg.IsRequest() {
			a.outstanding.Add(-1)
		}
		return fmt.Errorf("activity %s: send: %w", a.handle, err)
	}
	return nil
}

// SendSync sends req and blocks until its answer arrives or the wait bound
// elapses. The bound is timeout, narrowed by the ctx deadline. On timeout the
// activity is ended and ErrAnswerTimeout is returned. At most one synchronous
// request may be in flight per activity.
func (a *Activity) SendSync(ctx context.Context, req diameter.Message, timeout time.Duration) (diameter.Message, error) {
	if req == nil {
		return nil, errspkg.ErrNilMessage
	}
	if !req.IsRequest() {
		return nil, errspkg.ErrNotRequest
	}
	if !a.IsValid() {
		return nil, errspkg.ErrActivityEnded
	}

	wait := timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); wait <= 0 || remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		return nil, fmt.Errorf("activity %s: %w", a.handle, context.DeadlineExceeded)
	}

	_, span := otel.Tracer("rfbridge-activity").Start(ctx, "SendSync")
	defer span.End()
	span.SetAttributes(
		attribute.String("rfbridge.handle", a.handle.String()),
		attribute.Int64("diameter.command_code", int64(req.CommandCode())),
	)

	ch := make(chan diameter.Message, 1)
	a.mu.Lock()
	if a.pending != nil {
		a.mu.Unlock()
		return nil, errspkg.ErrRequestInFlight
	}
	a.pending = ch
	session := a.dialog.Session()
	a.mu.Unlock()
	defer a.clearPending(ch)

	if err := session.Send(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return nil, fmt.Errorf("activity %s: send: %w", a.handle, err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ans := <-ch:
		return ans, nil
	case <-timer.C:
		span.SetStatus(codes.Error, "answer timeout")
		a.logger.Info("No answer before deadline, ending activity", loggingpkg.LogFields{"wait": wait.String()})
		a.End()
		return nil, errspkg.ErrAnswerTimeout
	}
}

func (a *Activity) clearPending(ch chan diameter.Message) {
	a.mu.Lock()
	if a.pending == ch {
		a.pending = nil
	}
	a.mu.Unlock()
}

// End terminates the activity. Only the first call releases the session and
// notifies the Listener. A synchronous send in flight keeps waiting for its
// own deadline.
func (a *Activity) End() {
	if !a.valid.CompareAndSwap(true, false) {
		return
	}
	if a.listener != nil {
		a.listener.ActivityEnding(a)
	}
	a.Session().Release()
}

// StateChanged ends the activity when the session returns to idle or terminates.
func (a *Activity) StateChanged(_ diameter.Session, oldState, newState diameter.State) {
	if newState == diameter.StateTerminated || (newState == diameter.StateIdle && oldState != diameter.StateIdle) {
		a.End()
	}
}

// MessageReceived resolves a pending synchronous send with its answer and
// forwards everything else to the Listener.
func (a *Activity) MessageReceived(_ diameter.Session, msg diameter.Message) {
	if msg == nil {
		return
	}
	if msg.IsRequest() {
		a.forward(msg)
		return
	}

	a.mu.Lock()
	ch := a.pending
	a.pending = nil
	a.mu.Unlock()
	if ch != nil {
		ch <- msg
		return
	}

	for {
		n := a.outstanding.Load()
		if n <= 0 {
			a.logger.Info("Dropping answer with no matching request", loggingpkg.LogFields{
				loggingpkg.FieldCommand: msg.CommandCode(),
			})
			return
		}
		if a.outstanding.CompareAndSwap(n, n-1) {
			break
		}
	}
	a.forward(msg)
}

func (a *Activity) forward(msg diameter.Message) {
	if a.listener != nil {
		a.listener.InboundMessage(a, msg)
	}
}

// RequestTimedOut ends the activity.
func (a *Activity) RequestTimedOut(_ diameter.Session, _ diameter.Message) {
	a.End()
}

// Info is a point-in-time view of an activity.
type Info struct {
	Handle           string `json:"handle"`
	Role             string `json:"role"`
	State            string `json:"state"`
	DestinationHost  string `json:"destination_host,omitempty"`
	DestinationRealm string `json:"destination_realm,omitempty"`
	Valid            bool   `json:"valid"`
}

// Info describes the activity.
func (a *Activity) Info() Info {
	d := a.Dialog()
	info := Info{
		Handle: a.handle.String(),
		Role:   d.Role().String(),
		State:  d.Session().State().String(),
		Valid:  a.IsValid(),
	}
	switch v := d.(type) {
	case ClientDialog:
		info.DestinationHost = v.DestinationHost.String()
		info.DestinationRealm = v.DestinationRealm.String()
	case ServerDialog:
	}
	return info
}
