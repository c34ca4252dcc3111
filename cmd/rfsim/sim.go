package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	runtimepkg "github.com/drblury/rfbridge/internal/runtime"
	"github.com/drblury/rfbridge/internal/runtime/activity"
	configpkg "github.com/drblury/rfbridge/internal/runtime/config"
	"github.com/drblury/rfbridge/internal/runtime/consumer"
	"github.com/drblury/rfbridge/internal/runtime/diameter"
	"github.com/drblury/rfbridge/internal/runtime/diameter/memstack"
	"github.com/drblury/rfbridge/internal/runtime/eventid"
	"github.com/drblury/rfbridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rfbridge/internal/runtime/logging"
	_ "github.com/drblury/rfbridge/transport/transports"
)

const (
	simServiceID = "rfsim"
	peerHost     = diameter.Identity("ocs.sim")
	peerRealm    = diameter.Identity("sim")
	pollInterval = 5 * time.Millisecond
)

var errNoSubscriber = errors.New("rfsim: sink transport has no subscriber to consume from")

type simOptions struct {
	Sessions int
	Inbound  int
	Drain    time.Duration
}

// answerLine is one synchronous answer a client dialog received.
type answerLine struct {
	SessionID  string `json:"session_id"`
	RecordType uint32 `json:"record_type"`
	ResultCode uint32 `json:"result_code"`
}

type simReport struct {
	ClientDialogs int            `json:"client_dialogs"`
	ServerDialogs int            `json:"server_dialogs"`
	Answers       []answerLine   `json:"answers"`
	Failed        int            `json:"failed_requests"`
	Remaining     int            `json:"remaining_activities"`
	Consumer      consumer.Stats `json:"consumer"`
}

func (r simReport) write(w io.Writer) error {
	return jsoncodec.Encode(w, r)
}

func simulate(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, opts simOptions) (simReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	report := simReport{ClientDialogs: opts.Sessions, ServerDialogs: opts.Inbound}

	stack := memstack.New(memstack.WithResponder(memstack.AcceptAll(peerHost, peerRealm)))
	defer stack.Close()

	adaptor, err := runtimepkg.NewAdaptor(ctx, conf, log, runtimepkg.AdaptorDependencies{Multiplexer: stack})
	if err != nil {
		return report, err
	}
	defer adaptor.Close()

	tr, ok := adaptor.Transport()
	if !ok || tr.Subscriber == nil {
		return report, errNoSubscriber
	}
	provider := adaptor.Provider()

	c, err := consumer.New(tr.Subscriber, adaptor, answerServerRequests(adaptor, log),
		consumer.Config{Topic: conf.SinkTopic},
		consumer.WithLogger(log),
		consumer.WithHooks(consumer.LoggingHooks(log)),
	)
	if err != nil {
		return report, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	select {
	case <-c.Running():
	case <-gctx.Done():
		return report, g.Wait()
	}
	defer func() {
		_ = c.Close()
		_ = g.Wait()
	}()

	if err := adaptor.Activate(ctx); err != nil {
		return report, err
	}
	catalog := eventid.DefaultCatalog()
	service := eventid.Service{ID: simServiceID}
	for _, et := range catalog.Types() {
		service.EventTypes = append(service.EventTypes, et.ID)
	}
	adaptor.ServiceActive(service)

	for i := 0; i < opts.Sessions; i++ {
		lines, failed := runClientDialog(ctx, provider)
		report.Answers = append(report.Answers, lines...)
		report.Failed += failed
	}
	for i := 0; i < opts.Inbound; i++ {
		if err := runServerDialog(ctx, stack, adaptor, i, opts.Drain); err != nil {
			return report, err
		}
	}

	// two controls per dialog, two requests per server dialog
	wantControls := uint64(2 * (opts.Sessions + opts.Inbound))
	wantEvents := uint64(2 * opts.Inbound)
	caughtUp := waitFor(ctx, opts.Drain, func() bool {
		s := c.Stats()
		return s.Controls >= wantControls && s.Events >= wantEvents
	})
	if !caughtUp {
		log.Info("Consumer did not catch up before the drain deadline", loggingpkg.LogFields{"drain": opts.Drain.String()})
	}

	report.Remaining = len(adaptor.Activities())
	adaptor.Stopping(ctx)
	adaptor.Inactive(ctx)
	adaptor.ServiceInactive(simServiceID)
	report.Consumer = c.Stats()
	return report, nil
}

// runClientDialog opens a client dialog and sends START then STOP.
func runClientDialog(ctx context.Context, p *runtimepkg.Provider) ([]answerLine, int) {
	act, err := p.CreateClientSession(ctx, peerHost, peerRealm)
	if err != nil || act == nil {
		return nil, 2
	}
	var (
		lines  []answerLine
		failed int
	)
	for number, record := range []uint32{diameter.RecordStart, diameter.RecordStop} {
		req, err := p.NewAccountingRequest(act, record, uint32(number))
		if err != nil {
			failed++
			continue
		}
		ans := p.SendAccountingRequest(ctx, req)
		if ans == nil {
			failed++
			continue
		}
		line := answerLine{SessionID: ans.SessionID()}
		line.RecordType, _ = ans.RecordType()
		line.ResultCode, _ = ans.ResultCode()
		lines = append(lines, line)
	}
	return lines, failed
}

// runServerDialog plays a peer that opens an accounting dialog with START
// and closes it with STOP. Answers come from the consumer.
func runServerDialog(ctx context.Context, stack *memstack.Stack, adaptor *runtimepkg.Adaptor, n int, wait time.Duration) error {
	id := fmt.Sprintf("%s;%d;%d", peerHost, time.Now().UnixNano(), n)

	if _, err := stack.Inject(peerRequest(id, diameter.RecordStart, 0)); err != nil {
		return err
	}
	opened := waitFor(ctx, wait, func() bool {
		sess, ok := stack.Session(id)
		return ok && sess.State() == diameter.StateOpen
	})
	if !opened {
		return fmt.Errorf("rfsim: dialog %s was not answered", id)
	}

	if _, err := stack.Inject(peerRequest(id, diameter.RecordStop, 1)); err != nil {
		return err
	}
	if !waitFor(ctx, wait, func() bool { return !adaptor.SessionExists(id) }) {
		return fmt.Errorf("rfsim: dialog %s did not end", id)
	}
	return nil
}

func peerRequest(id string, record, number uint32) *diameter.BasicMessage {
	return diameter.NewRequest(diameter.CommandAccounting, diameter.AppBaseAccounting, id).Add(
		diameter.NewAVP(diameter.AVPOriginHost, peerHost),
		diameter.NewAVP(diameter.AVPOriginRealm, peerRealm),
		diameter.NewAVP(diameter.AVPAcctApplicationID, diameter.AppBaseAccounting),
		diameter.NewAVP(diameter.AVPAccountingRecordType, record),
		diameter.NewAVP(diameter.AVPAccountingRecordNumber, number),
	)
}

// answerServerRequests answers every consumed Accounting-Request on its
// server activity with DIAMETER_SUCCESS.
func answerServerRequests(adaptor *runtimepkg.Adaptor, log loggingpkg.ServiceLogger) consumer.HandlerFunc {
	return func(d *consumer.Delivery) error {
		if d.IsControl() || d.EventType == nil || d.EventType.ID.Name != eventid.NameAccountingRequest {
			return nil
		}
		act, ok := adaptor.Activity(d.Handle)
		if !ok {
			return consumer.ErrUnreferenced
		}
		if _, server := act.Dialog().(activity.ServerDialog); !server {
			return nil
		}
		payload, err := d.Payload()
		if err != nil {
			return err
		}
		req := diameter.NewRequest(diameter.CommandAccounting, diameter.AppBaseAccounting, d.Handle.String())
		if payload.RecordType != nil {
			req.Add(diameter.NewAVP(diameter.AVPAccountingRecordType, *payload.RecordType))
		}
		if payload.RecordNumber != nil {
			req.Add(diameter.NewAVP(diameter.AVPAccountingRecordNumber, *payload.RecordNumber))
		}
		ans, err := adaptor.Provider().NewAccountingAnswer(req, diameter.ResultSuccess)
		if err != nil {
			return err
		}
		log.Debug("Answering peer request", loggingpkg.LogFields{loggingpkg.FieldHandle: d.Handle.String()})
		return act.Send(ans)
	}
}

func waitFor(ctx context.Context, limit time.Duration, cond func() bool) bool {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return cond()
		case <-tick.C:
		}
	}
}
