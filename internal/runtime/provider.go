package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/rfbridge/internal/runtime/activity"
	"github.com/drblury/rfbridge/internal/runtime/diameter"
	errspkg "github.com/drblury/rfbridge/internal/runtime/errors"
	"github.com/drblury/rfbridge/internal/runtime/events"
)

// Synchronous request outcomes.
const (
	SyncAnswered = "answered"
	SyncError    = "error_answer"
	SyncTimeout  = "timeout"
	SyncFailed   = "failed"
)

// Provider is the consumer facing API of the adaptor.
type Provider struct {
	adaptor *Adaptor
}

// CreateClientSession allocates a new client accounting activity. Empty
// destination identities are allowed.
func (p *Provider) CreateClientSession(ctx context.Context, destHost, destRealm diameter.Identity) (*activity.Activity, error) {
	br, err := p.adaptor.currentBridge()
	if err != nil {
		return nil, errspkg.NewCreateActivityError(diameter.RoleClientAccounting.String(), err)
	}
	return br.CreateClientActivity(ctx, destHost, destRealm)
}

// SendAccountingRequest sends req on the activity of its session, creating a
// client activity when none is registered, and waits for the answer. The wait
// is bounded by Config.SyncRequestTimeout and the ctx deadline. Any failure,
// including an error answer, is logged and reported as nil.
func (p *Provider) SendAccountingRequest(ctx context.Context, req diameter.Message) *events.AccountingAnswer {
	a := p.adaptor
	fields := sessionFields(req)
	start := time.Now()

	// Reject before resolving the activity so a bad call allocates nothing.
	switch {
	case req == nil:
		a.Logger.Error("Failure sending sync request", errspkg.ErrNilMessage, fields)
		a.metrics.ObserveSyncRequest(SyncFailed, time.Since(start))
		return nil
	case !req.IsRequest():
		a.Logger.Error("Failure sending sync request", errspkg.ErrNotRequest, fields)
		a.metrics.ObserveSyncRequest(SyncFailed, time.Since(start))
		return nil
	}

	br, err := a.currentBridge()
	if err != nil {
		a.Logger.Error("Failure sending sync request", err, fields)
		a.metrics.ObserveSyncRequest(SyncFailed, time.Since(start))
		return nil
	}
	act, err := br.ClientActivityFor(ctx, req)
	if err != nil {
		a.Logger.Error("Failure sending sync request", err, fields)
		a.metrics.ObserveSyncRequest(SyncFailed, time.Since(start))
		return nil
	}

	ans, err := act.SendSync(ctx, req, a.Conf.SyncRequestTimeout)
	if err != nil {
		outcome := SyncFailed
		if errors.Is(err, errspkg.ErrAnswerTimeout) {
			outcome = SyncTimeout
		}
		a.Logger.Error("Failure sending sync request", err, fields)
		a.metrics.ObserveSyncRequest(outcome, time.Since(start))
		return nil
	}

	ev, err := events.Translate(ans)
	if err != nil {
		a.Logger.Error("Failure translating answer", err, fields)
		a.metrics.ObserveSyncRequest(SyncFailed, time.Since(start))
		return nil
	}
	answer, ok := ev.(*events.AccountingAnswer)
	if !ok {
		if code, present := resultCode(ev); present {
			fields["result_code"] = code
		}
		fields["kind"] = ev.Kind().String()
		a.Logger.Error("Sync request answered with a non accounting answer", nil, fields)
		a.metrics.ObserveSyncRequest(SyncError, time.Since(start))
		return nil
	}
	a.metrics.ObserveSyncRequest(SyncAnswered, time.Since(start))
	return answer
}

// ConnectedPeers returns the identities of the stack's peers. It never
// returns nil.
func (p *Provider) ConnectedPeers() []diameter.Identity {
	return p.adaptor.peers.Snapshot()
}

// PeerCount returns len(ConnectedPeers()).
func (p *Provider) PeerCount() int {
	return p.adaptor.peers.Count()
}

// NewAccountingRequest builds an Accounting-Request for act. Origin comes from
// the stack and the destination from a client dialog.
func (p *Provider) NewAccountingRequest(act *activity.Activity, recordType, recordNumber uint32) (*diameter.BasicMessage, error) {
	if act == nil {
		return nil, errspkg.ErrNilMessage
	}
	apps := p.adaptor.apps
	if len(apps) == 0 {
		return nil, errspkg.ErrNoApplicationID
	}
	app := apps[0]

	req := diameter.NewRequest(diameter.CommandAccounting, app.AcctAppID, act.Handle().String())
	if stack := p.adaptor.currentStack(); stack != nil {
		req.Add(
			diameter.NewAVP(diameter.AVPOriginHost, stack.OriginHost()),
			diameter.NewAVP(diameter.AVPOriginRealm, stack.OriginRealm()),
		)
	}
	if d, ok := act.Dialog().(activity.ClientDialog); ok {
		if !d.DestinationRealm.IsZero() {
			req.Add(diameter.NewAVP(diameter.AVPDestinationRealm, d.DestinationRealm))
		}
		if !d.DestinationHost.IsZero() {
			req.Add(diameter.NewAVP(diameter.AVPDestinationHost, d.DestinationHost))
		}
	}
	req.Add(applicationAVP(app))
	req.Add(
		diameter.NewAVP(diameter.AVPAccountingRecordType, recordType),
		diameter.NewAVP(diameter.AVPAccountingRecordNumber, recordNumber),
	)
	return req, nil
}

// NewAccountingAnswer builds an answer to req with resultCode. Record type and
// number are echoed. Protocol errors (3xxx) set the error flag.
func (p *Provider) NewAccountingAnswer(req diameter.Message, resultCode uint32) (*diameter.BasicMessage, error) {
	if req == nil {
		return nil, errspkg.ErrNilMessage
	}
	if !req.IsRequest() {
		return nil, errspkg.ErrNotRequest
	}
	ans := diameter.NewAnswer(req)
	if stack := p.adaptor.currentStack(); stack != nil {
		ans.Add(
			diameter.NewAVP(diameter.AVPOriginHost, stack.OriginHost()),
			diameter.NewAVP(diameter.AVPOriginRealm, stack.OriginRealm()),
		)
	}
	ans.Add(diameter.NewAVP(diameter.AVPResultCode, resultCode))
	for _, code := range []uint32{diameter.AVPAccountingRecordType, diameter.AVPAccountingRecordNumber} {
		if avp, ok := req.AVPs().Get(code); ok {
			ans.Add(avp)
		}
	}
	if resultCode >= 3000 && resultCode < 4000 {
		ans.SetError(true)
	}
	return ans, nil
}

func applicationAVP(app diameter.ApplicationID) diameter.AVP {
	if app.VendorID == diameter.VendorNone {
		return diameter.NewAVP(diameter.AVPAcctApplicationID, app.AcctAppID)
	}
	return diameter.NewAVP(diameter.AVPVendorSpecificApplicationID, []diameter.AVP{
		diameter.NewAVP(diameter.AVPVendorID, app.VendorID),
		diameter.NewAVP(diameter.AVPAcctApplicationID, app.AcctAppID),
	})
}

func resultCode(ev events.Event) (uint32, bool) {
	if e, ok := ev.(*events.ErrorAnswer); ok {
		return e.ResultCode()
	}
	return 0, false
}
