package runtime

import (
	"github.com/drblury/rfbridge/internal/runtime/activity"
	"github.com/drblury/rfbridge/internal/runtime/diameter"
	"github.com/drblury/rfbridge/internal/runtime/eventid"
	loggingpkg "github.com/drblury/rfbridge/internal/runtime/logging"
)

// Processing outcomes reported by the event consumer.
const (
	ProcessingSuccessful   = "successful"
	ProcessingFailed       = "failed"
	ProcessingUnreferenced = "unreferenced"
)

// Stack listener ---------------------------------------------------------

// ProcessRequest resolves or creates the server activity of req and delivers
// the request to it. It returns nil; the answer is sent later through the
// activity.
func (a *Adaptor) ProcessRequest(req diameter.Message) diameter.Message {
	br, err := a.currentBridge()
	if err != nil {
		a.Logger.Error("Request received while not active", err, sessionFields(req))
		return nil
	}
	act, err := br.ServerActivityFor(a.context(), req)
	if err != nil {
		a.Logger.Error("Failure trying to create Rf activity", err, sessionFields(req))
		return nil
	}
	act.MessageReceived(act.Session(), req)
	return nil
}

// ReceivedSuccessMessage is called for answers no session claimed.
func (a *Adaptor) ReceivedSuccessMessage(req, ans diameter.Message) {
	fields := sessionFields(req)
	if ans != nil {
		if code, ok, err := diameter.LookupUnsigned32(ans.AVPs(), diameter.AVPResultCode); err == nil && ok {
			fields["result_code"] = code
		}
	}
	a.Logger.Info("Answer received without a session to handle it", fields)
	a.metrics.CorrelationFailure()
}

// TimeoutExpired ends the activity of the timed out request's session.
func (a *Adaptor) TimeoutExpired(req diameter.Message) {
	fields := sessionFields(req)
	a.Logger.Info("Request timed out outside a session", fields)
	if req == nil {
		return
	}
	if act, ok := a.Activity(activity.NewHandle(req.SessionID())); ok {
		act.End()
	}
}

// Session observer -------------------------------------------------------

// SessionCreated registers or reattaches the activity of s.
func (a *Adaptor) SessionCreated(s diameter.Session) {
	br, err := a.currentBridge()
	if err != nil {
		a.Logger.Error("Session created while not active", err, nil)
		return
	}
	_, _ = br.SessionCreated(s)
}

// SessionExists reports whether an activity is registered for id.
func (a *Adaptor) SessionExists(id string) bool {
	registry := a.currentRegistry()
	return registry != nil && registry.Contains(activity.NewHandle(id))
}

// SessionDestroyed ends the activity of id, if any.
func (a *Adaptor) SessionDestroyed(id string) {
	if act, ok := a.Activity(activity.NewHandle(id)); ok {
		act.End()
	}
}

// Activity listener ------------------------------------------------------

// InboundMessage dispatches a message received on a registered activity.
func (a *Adaptor) InboundMessage(act *activity.Activity, msg diameter.Message) {
	a.dispatcher.DispatchMessage(a.context(), act.Handle(), msg)
}

// ActivityEnding removes act from the registry and asks the sink to end it.
func (a *Adaptor) ActivityEnding(act *activity.Activity) {
	h := act.Handle()
	if registry := a.currentRegistry(); registry != nil && registry.Delete(act) {
		a.metrics.ActivityEnded()
	}
	if err := a.dispatcher.EndActivity(a.context(), h); err != nil {
		a.Logger.Error("Event sink failed to end activity", err, loggingpkg.LogFields{loggingpkg.FieldHandle: h.String()})
	}
}

// Consumer callbacks -----------------------------------------------------

// QueryLiveness ends an activity that is registered but no longer valid.
func (a *Adaptor) QueryLiveness(h activity.Handle) {
	act, ok := a.Activity(h)
	if !ok || act.IsValid() {
		return
	}
	a.Logger.Info("Ending non-live activity", loggingpkg.LogFields{loggingpkg.FieldHandle: h.String()})
	if err := a.dispatcher.EndActivity(a.context(), h); err != nil {
		a.Logger.Error("Failure ending non-live activity", err, loggingpkg.LogFields{loggingpkg.FieldHandle: h.String()})
	}
	a.ActivityEnded(h)
}

// ActivityEnded removes h from the registry. Repeated calls are no-ops.
func (a *Adaptor) ActivityEnded(h activity.Handle) {
	registry := a.currentRegistry()
	if registry == nil {
		return
	}
	if act, ok := registry.Get(h); ok && registry.Delete(act) {
		a.metrics.ActivityEnded()
		a.Logger.Debug("Activity ended", loggingpkg.LogFields{loggingpkg.FieldHandle: h.String()})
	}
}

// ActivityUnreferenced behaves like ActivityEnded.
func (a *Adaptor) ActivityUnreferenced(h activity.Handle) {
	a.ActivityEnded(h)
}

// EventProcessingSuccessful records that the consumer handled an event.
func (a *Adaptor) EventProcessingSuccessful(h activity.Handle, et *eventid.EventType) {
	a.Logger.Debug("Event processing successful", processingFields(h, et))
	a.metrics.RecordProcessing(ProcessingSuccessful)
}

// EventProcessingFailed records a handler failure after every retry.
func (a *Adaptor) EventProcessingFailed(h activity.Handle, et *eventid.EventType, reason error) {
	a.Logger.Error("Event processing failed", reason, processingFields(h, et))
	a.metrics.RecordProcessing(ProcessingFailed)
}

// EventUnreferenced records an event no service claimed and queries the
// liveness of its activity, ending it when it is no longer valid.
func (a *Adaptor) EventUnreferenced(h activity.Handle, et *eventid.EventType) {
	a.Logger.Trace("Event unreferenced", processingFields(h, et))
	a.metrics.RecordProcessing(ProcessingUnreferenced)
	a.QueryLiveness(h)
}

// ServiceActive starts routing the event types s receives.
func (a *Adaptor) ServiceActive(s eventid.Service) {
	a.Logger.Info("Service active", loggingpkg.LogFields{"service": s.ID, "event_types": len(s.EventTypes)})
	a.filter.ServiceActive(s)
}

// ServiceStopping stops routing the event types service id receives.
func (a *Adaptor) ServiceStopping(id string) {
	a.filter.ServiceStopping(id)
}

// ServiceInactive is the final notification for service id.
func (a *Adaptor) ServiceInactive(id string) {
	a.filter.ServiceInactive(id)
}

// ActiveServices returns the ids of the services receiving events.
func (a *Adaptor) ActiveServices() []string {
	return a.filter.ActiveServices()
}

func sessionFields(msg diameter.Message) loggingpkg.LogFields {
	if msg == nil {
		return loggingpkg.LogFields{}
	}
	return loggingpkg.LogFields{
		loggingpkg.FieldSessionID: msg.SessionID(),
		loggingpkg.FieldCommand:   msg.CommandCode(),
	}
}

func processingFields(h activity.Handle, et *eventid.EventType) loggingpkg.LogFields {
	return loggingpkg.LogFields{
		loggingpkg.FieldHandle:    h.String(),
		loggingpkg.FieldEventType: et.String(),
	}
}
