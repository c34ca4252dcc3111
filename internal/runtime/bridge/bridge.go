// Package bridge turns Diameter sessions into registered activities. Client
// sends, inbound requests and stack notifications for the same session id
// all resolve to one Activity.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/drblury/rfbridge/internal/runtime/activity"
	"github.com/drblury/rfbridge/internal/runtime/diameter"
	errspkg "github.com/drblury/rfbridge/internal/runtime/errors"
	loggingpkg "github.com/drblury/rfbridge/internal/runtime/logging"
	metricspkg "github.com/drblury/rfbridge/internal/runtime/metrics"
)

var errNoSessionID = errors.New("message has no Session-Id")

// Config wires a Bridge.
type Config struct {
	Registry       *activity.Registry
	Factory        diameter.SessionFactory
	ApplicationIDs []diameter.ApplicationID
	Listener       activity.Listener
	Logger         loggingpkg.ServiceLogger
	Metrics        *metricspkg.Metrics
	// OnStarted is called once for every newly registered activity.
	OnStarted func(*activity.Activity)
}

// Bridge creates and reuses activities for sessions.
type Bridge struct {
	registry  *activity.Registry
	factory   diameter.SessionFactory
	apps      []diameter.ApplicationID
	listener  activity.Listener
	logger    loggingpkg.ServiceLogger
	metrics   *metricspkg.Metrics
	onStarted func(*activity.Activity)

	group singleflight.Group
}

// New validates cfg and builds a Bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("bridge: registry is required")
	}
	if cfg.Factory == nil {
		return nil, errspkg.ErrStackRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &Bridge{
		registry:  cfg.Registry,
		factory:   cfg.Factory,
		apps:      append([]diameter.ApplicationID(nil), cfg.ApplicationIDs...),
		listener:  cfg.Listener,
		logger:    logger,
		metrics:   cfg.Metrics,
		onStarted: cfg.OnStarted,
	}, nil
}

// CreateClientActivity allocates a new client session for the first
// configured application and registers its activity.
func (b *Bridge) CreateClientActivity(_ context.Context, destHost, destRealm diameter.Identity) (*activity.Activity, error) {
	if len(b.apps) == 0 {
		return nil, errspkg.NewCreateActivityError(diameter.RoleClientAccounting.String(), errspkg.ErrNoApplicationID)
	}
	sess, err := b.factory.NewClientSession("", b.apps[0])
	if err != nil || sess == nil {
		return nil, errspkg.NewCreateActivityError(diameter.RoleClientAccounting.String(), err)
	}
	return b.adopt(sess, destHost, destRealm)
}

// ClientActivityFor returns the activity of msg's session, allocating a
// client session with that id when none is registered. The destination is
// taken from the message.
func (b *Bridge) ClientActivityFor(_ context.Context, msg diameter.Message) (*activity.Activity, error) {
	role := diameter.RoleClientAccounting.String()
	if msg == nil {
		return nil, errspkg.NewCreateActivityError(role, errspkg.ErrNilMessage)
	}
	id := msg.SessionID()
	if id == "" {
		return nil, errspkg.NewCreateActivityError(role, errNoSessionID)
	}
	if a, ok := b.registry.Get(activity.NewHandle(id)); ok {
		return a, nil
	}
	host := b.identity(msg, diameter.AVPDestinationHost)
	realm := b.identity(msg, diameter.AVPDestinationRealm)
	return b.allocateOnce(id, func() (diameter.Session, error) {
		app, err := b.applicationFor(msg)
		if err != nil {
			return nil, err
		}
		return b.factory.NewClientSession(id, app)
	}, role, host, realm)
}

// ServerActivityFor returns the activity of an inbound request's session,
// allocating a server session when the id is unseen.
func (b *Bridge) ServerActivityFor(_ context.Context, req diameter.Message) (*activity.Activity, error) {
	role := diameter.RoleServerAccounting.String()
	if req == nil {
		return nil, errspkg.NewCreateActivityError(role, errspkg.ErrNilMessage)
	}
	id := req.SessionID()
	if id == "" {
		return nil, errspkg.NewCreateActivityError(role, errNoSessionID)
	}
	if a, ok := b.registry.Get(activity.NewHandle(id)); ok {
		return a, nil
	}
	return b.allocateOnce(id, func() (diameter.Session, error) {
		app, err := b.applicationFor(req)
		if err != nil {
			return nil, err
		}
		return b.factory.NewServerSession(id, app, req)
	}, role, "", "")
}

// SessionCreated handles the stack notification for a new session. An
// already registered activity is reused and only attached to the session.
func (b *Bridge) SessionCreated(sess diameter.Session) (*activity.Activity, error) {
	if sess == nil {
		return nil, errspkg.NewCreateActivityError("unknown", nil)
	}
	if !sess.Role().IsAccounting() {
		err := fmt.Errorf("%w: %s", errspkg.ErrUnexpectedSessionRole, sess.Role())
		b.logger.Error("Session created with a role this adaptor does not serve", err, loggingpkg.LogFields{
			loggingpkg.FieldSessionID: sess.ID(),
			loggingpkg.FieldRole:      sess.Role().String(),
		})
		b.metrics.SessionRejected(sess.Role().String())
		return nil, err
	}
	return b.adopt(sess, "", "")
}

// allocateOnce collapses concurrent allocations for the same session id.
// The allocation key differs from the registration key so a stack that
// notifies SessionCreated during allocation does not wait on itself.
func (b *Bridge) allocateOnce(id string, alloc func() (diameter.Session, error), role string, host, realm diameter.Identity) (*activity.Activity, error) {
	v, err, _ := b.group.Do("alloc:"+id, func() (any, error) {
		if a, ok := b.registry.Get(activity.NewHandle(id)); ok {
			return a, nil
		}
		sess, err := alloc()
		if err != nil || sess == nil {
			return nil, errspkg.NewCreateActivityError(role, err)
		}
		return b.adopt(sess, "", "")
	})
	if err != nil {
		return nil, err
	}
	a := v.(*activity.Activity)
	a.SetDestination(host, realm)
	return a, nil
}

func (b *Bridge) adopt(sess diameter.Session, host, realm diameter.Identity) (*activity.Activity, error) {
	v, err, _ := b.group.Do(sess.ID(), func() (any, error) {
		return b.register(sess)
	})
	if err != nil {
		return nil, err
	}
	a := v.(*activity.Activity)
	a.SetDestination(host, realm)
	return a, nil
}

func (b *Bridge) register(sess diameter.Session) (*activity.Activity, error) {
	h := activity.NewHandle(sess.ID())
	if existing, ok := b.registry.Get(h); ok {
		// A stack may hand out a fresh session object for a known id; route
		// its traffic to the activity already serving that id.
		if sess != existing.Session() {
			sess.SetListener(existing)
		}
		existing.AttachSession()
		return existing, nil
	}

	candidate, err := activity.New(sess, b.listener, activity.WithLogger(b.logger))
	if err != nil {
		return nil, errspkg.NewCreateActivityError(sess.Role().String(), err)
	}
	actual, loaded, err := b.registry.LoadOrStore(candidate)
	if err != nil {
		sess.Release()
		return nil, errspkg.NewCreateActivityError(sess.Role().String(), err)
	}
	actual.AttachSession()
	if !loaded {
		b.logger.Debug("Activity registered", loggingpkg.LogFields{
			loggingpkg.FieldHandle: h.String(),
			loggingpkg.FieldRole:   sess.Role().String(),
		})
		b.metrics.ActivityStarted(sess.Role().String())
		if b.onStarted != nil {
			b.onStarted(actual)
		}
	}
	return actual, nil
}

// applicationFor picks the application of msg from its Vendor-Specific or
// Acct-Application-Id AVPs, falling back to the first configured id.
func (b *Bridge) applicationFor(msg diameter.Message) (diameter.ApplicationID, error) {
	fields := loggingpkg.LogFields{loggingpkg.FieldSessionID: msg.SessionID()}
	if avp, ok := msg.AVPs().Get(diameter.AVPVendorSpecificApplicationID); ok {
		group, err := avp.Grouped()
		if err == nil {
			vendor, vok, verr := diameter.LookupUnsigned32(group, diameter.AVPVendorID)
			app, aok, aerr := diameter.LookupUnsigned32(group, diameter.AVPAcctApplicationID)
			if verr == nil && aerr == nil && vok && aok {
				return diameter.ApplicationID{VendorID: vendor, AcctAppID: app}, nil
			}
			err = errors.Join(verr, aerr)
		}
		if err != nil {
			b.logger.Error("Malformed Vendor-Specific-Application-Id ignored", err, fields)
		}
	}
	app, ok, err := diameter.LookupUnsigned32(msg.AVPs(), diameter.AVPAcctApplicationID)
	if err != nil {
		b.logger.Error("Malformed Acct-Application-Id ignored", err, fields)
	}
	if ok && err == nil {
		for _, configured := range b.apps {
			if configured.AcctAppID == app {
				return configured, nil
			}
		}
		return diameter.ApplicationID{AcctAppID: app}, nil
	}
	if len(b.apps) == 0 {
		return diameter.ApplicationID{}, errspkg.ErrNoApplicationID
	}
	return b.apps[0], nil
}

func (b *Bridge) identity(msg diameter.Message, code uint32) diameter.Identity {
	id, _, err := diameter.LookupIdentity(msg.AVPs(), code)
	if err != nil {
		b.logger.Error("Malformed identity AVP treated as absent", err, loggingpkg.LogFields{
			loggingpkg.FieldSessionID: msg.SessionID(),
			"avp_code":                code,
		})
		return ""
	}
	return id
}
