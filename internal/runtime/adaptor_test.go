package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/rfbridge/internal/runtime/activity"
	configpkg "github.com/drblury/rfbridge/internal/runtime/config"
	"github.com/drblury/rfbridge/internal/runtime/diameter"
	"github.com/drblury/rfbridge/internal/runtime/diameter/memstack"
	errspkg "github.com/drblury/rfbridge/internal/runtime/errors"
	"github.com/drblury/rfbridge/internal/runtime/eventid"
	loggingpkg "github.com/drblury/rfbridge/internal/runtime/logging"
	metadatapkg "github.com/drblury/rfbridge/internal/runtime/metadata"
	sinkpkg "github.com/drblury/rfbridge/internal/runtime/sink"
	"github.com/drblury/rfbridge/transport/transporttest"

	_ "github.com/drblury/rfbridge/transport/channel"
)

const (
	peerSession = "ctf.example;100;1"
	topic       = configpkg.DefaultSinkTopic
)

type fixture struct {
	stack   *memstack.Stack
	pub     *transporttest.Publisher
	prom    *prometheus.Registry
	adaptor *Adaptor
}

func newFixture(t *testing.T, mutate func(*configpkg.Config), opts ...memstack.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	stack := memstack.New(opts...)
	t.Cleanup(stack.Close)

	conf := configpkg.Default()
	conf.MetricsEnabled = true
	if mutate != nil {
		mutate(conf)
	}

	pub := &transporttest.Publisher{}
	s, err := sinkpkg.New(pub)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	a, err := NewAdaptor(ctx, conf, loggingpkg.NewNopServiceLogger(), AdaptorDependencies{
		Multiplexer: stack,
		Sink:        s,
		Prometheus:  reg,
	})
	require.NoError(t, err)
	require.NoError(t, a.Activate(ctx))
	t.Cleanup(func() {
		a.Stopping(ctx)
		a.Inactive(ctx)
	})

	a.ServiceActive(eventid.Service{ID: "billing", EventTypes: []eventid.TypeID{
		eventid.NewTypeID(eventid.NameAccountingRequest),
		eventid.NewTypeID(eventid.NameAccountingAnswer),
		eventid.NewTypeID(eventid.NameErrorAnswer),
	}})
	return &fixture{stack: stack, pub: pub, prom: reg, adaptor: a}
}

func inboundACR(id string, record, number uint32) *diameter.BasicMessage {
	return diameter.NewRequest(diameter.CommandAccounting, diameter.AppBaseAccounting, id).Add(
		diameter.NewAVP(diameter.AVPOriginHost, diameter.Identity("ctf.example")),
		diameter.NewAVP(diameter.AVPOriginRealm, diameter.Identity("example")),
		diameter.NewAVP(diameter.AVPAcctApplicationID, diameter.AppBaseAccounting),
		diameter.NewAVP(diameter.AVPAccountingRecordType, record),
		diameter.NewAVP(diameter.AVPAccountingRecordNumber, number),
	)
}

// published returns the event type or control header of every sink message.
func (f *fixture) published() []string {
	var out []string
	for _, msg := range f.pub.Messages(topic) {
		if c := msg.Metadata.Get(metadatapkg.KeyControl); c != "" {
			out = append(out, c)
			continue
		}
		out = append(out, msg.Metadata.Get(metadatapkg.KeyEventType))
	}
	return out
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		var total float64
		for _, m := range fam.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		return total
	}
	return 0
}

type staleSession struct{ id string }

func (s staleSession) ID() string                         { return s.id }
func (staleSession) Role() diameter.Role                  { return diameter.RoleClientAccounting }
func (staleSession) State() diameter.State                { return diameter.StateIdle }
func (staleSession) Send(diameter.Message) error          { return nil }
func (staleSession) SetListener(diameter.SessionListener) {}
func (staleSession) Release()                             {}

func TestNewAdaptorValidatesInputs(t *testing.T) {
	ctx := context.Background()
	stack := memstack.New()
	t.Cleanup(stack.Close)
	log := loggingpkg.NewNopServiceLogger()
	deps := AdaptorDependencies{Multiplexer: stack, Sink: mustSink(t)}

	_, err := NewAdaptor(ctx, nil, log, deps)
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewAdaptor(ctx, configpkg.Default(), nil, deps)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = NewAdaptor(ctx, configpkg.Default(), log, AdaptorDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrStackRequired)

	conf := configpkg.Default()
	conf.AcctApplicationIDs = "10415:x"
	_, err = NewAdaptor(ctx, conf, log, deps)
	var cfgErr errspkg.ConfigValidationError
	assert.ErrorAs(t, err, &cfgErr)
}

func mustSink(t *testing.T) *sinkpkg.Sink {
	t.Helper()
	s, err := sinkpkg.New(&transporttest.Publisher{})
	require.NoError(t, err)
	return s
}

func TestNewAdaptorBuildsConfiguredTransport(t *testing.T) {
	stack := memstack.New()
	t.Cleanup(stack.Close)

	a, err := NewAdaptor(context.Background(), configpkg.Default(), loggingpkg.NewNopServiceLogger(), AdaptorDependencies{Multiplexer: stack})
	require.NoError(t, err)

	tr, ok := a.Transport()
	require.True(t, ok)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
	assert.NotNil(t, a.Sink())
	assert.Nil(t, a.Metrics())
	require.NoError(t, a.Close())
}

func TestNewAdaptorUnknownTransportFails(t *testing.T) {
	stack := memstack.New()
	t.Cleanup(stack.Close)
	conf := configpkg.Default()
	conf.SinkSystem = "carrier-pigeon"

	_, err := NewAdaptor(context.Background(), conf, loggingpkg.NewNopServiceLogger(), AdaptorDependencies{Multiplexer: stack})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestActivateRegistersApplications(t *testing.T) {
	f := newFixture(t, func(c *configpkg.Config) { c.AcctApplicationIDs = "10415:3, 0:3" })

	assert.Equal(t, StateActive, f.adaptor.State())
	assert.Equal(t, []diameter.ApplicationID{
		{VendorID: diameter.VendorThreeGPP, AcctAppID: diameter.AppBaseAccounting},
		{VendorID: diameter.VendorNone, AcctAppID: diameter.AppBaseAccounting},
	}, f.stack.Applications())
}

func TestInboundRequestIsDispatched(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.stack.Inject(inboundACR(peerSession, diameter.RecordStart, 0))
	require.NoError(t, err)

	act, ok := f.adaptor.Activity(activity.NewHandle(peerSession))
	require.True(t, ok)
	assert.Equal(t, diameter.RoleServerAccounting, act.Dialog().Role())
	assert.Equal(t, []string{metadatapkg.ControlActivityStarted, eventid.NameAccountingRequest}, f.published())

	msgs := f.pub.Messages(topic)
	assert.Equal(t, "true", msgs[1].Metadata.Get(metadatapkg.KeyTransacted))
	assert.Equal(t, float64(1), counterValue(t, f.prom, "rfbridge_activity_active"))
}

func TestServerDialogEndsAfterStopAnswer(t *testing.T) {
	f := newFixture(t, nil)
	p := f.adaptor.Provider()

	start := inboundACR(peerSession, diameter.RecordStart, 0)
	_, err := f.stack.Inject(start)
	require.NoError(t, err)
	act, ok := f.adaptor.Activity(activity.NewHandle(peerSession))
	require.True(t, ok)

	ans, err := p.NewAccountingAnswer(start, diameter.ResultSuccess)
	require.NoError(t, err)
	require.NoError(t, act.Send(ans))

	stop := inboundACR(peerSession, diameter.RecordStop, 1)
	_, err = f.stack.Inject(stop)
	require.NoError(t, err)
	ans, err = p.NewAccountingAnswer(stop, diameter.ResultSuccess)
	require.NoError(t, err)
	require.NoError(t, act.Send(ans))

	assert.False(t, act.IsValid())
	_, ok = f.adaptor.Activity(activity.NewHandle(peerSession))
	assert.False(t, ok)
	assert.Equal(t, []string{
		metadatapkg.ControlActivityStarted,
		eventid.NameAccountingRequest,
		eventid.NameAccountingRequest,
		metadatapkg.ControlActivityEnded,
	}, f.published())
	assert.Equal(t, float64(0), counterValue(t, f.prom, "rfbridge_activity_active"))
}

func TestEventsWithoutServiceAreFiltered(t *testing.T) {
	f := newFixture(t, nil)
	f.adaptor.ServiceStopping("billing")
	f.adaptor.ServiceInactive("billing")
	assert.Empty(t, f.adaptor.ActiveServices())

	_, err := f.stack.Inject(inboundACR(peerSession, diameter.RecordEvent, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{metadatapkg.ControlActivityStarted}, f.published())

	snapshot := f.adaptor.Metrics().GetSnapshot()
	require.Contains(t, snapshot.EventTypes, eventid.NameAccountingRequest)
	assert.Equal(t, uint64(1), snapshot.EventTypes[eventid.NameAccountingRequest].Filtered)
}

func TestSessionCreatedRejectsNonAccountingRoles(t *testing.T) {
	f := newFixture(t, nil)

	f.stack.Announce(diameter.RoleClientAuth, "auth.example;1;1")
	assert.Empty(t, f.adaptor.Activities())
	assert.False(t, f.adaptor.SessionExists("auth.example;1;1"))
	assert.Equal(t, float64(1), counterValue(t, f.prom, "rfbridge_bridge_rejected_sessions_total"))
}

func TestSessionDestroyedEndsActivity(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.stack.Announce(diameter.RoleClientAccounting, "local;1;1")
	require.NotNil(t, sess)
	require.True(t, f.adaptor.SessionExists("local;1;1"))

	f.adaptor.SessionDestroyed("local;1;1")
	assert.False(t, f.adaptor.SessionExists("local;1;1"))
	assert.True(t, sess.Released())

	// a second notification finds nothing to end
	f.adaptor.SessionDestroyed("local;1;1")
	assert.Equal(t, []string{metadatapkg.ControlActivityStarted, metadatapkg.ControlActivityEnded}, f.published())
}

func TestTimeoutExpiredEndsActivity(t *testing.T) {
	f := newFixture(t, nil)
	act, err := f.adaptor.Provider().CreateClientSession(context.Background(), "", "example")
	require.NoError(t, err)

	req, err := f.adaptor.Provider().NewAccountingRequest(act, diameter.RecordStart, 0)
	require.NoError(t, err)
	f.stack.ExpireRequest(req)

	assert.False(t, act.IsValid())
	assert.Empty(t, f.adaptor.Activities())
}

func TestReceivedSuccessMessageCountsCorrelationFailures(t *testing.T) {
	f := newFixture(t, nil)
	req := inboundACR("gone;1;1", diameter.RecordInterim, 3)
	ans := diameter.NewAnswer(req).Add(diameter.NewAVP(diameter.AVPResultCode, diameter.ResultSuccess))

	f.stack.DeliverSuccess(req, ans)
	assert.Equal(t, float64(1), counterValue(t, f.prom, "rfbridge_activity_correlation_failures_total"))
}

func TestQueryLivenessEndsStaleActivity(t *testing.T) {
	f := newFixture(t, nil)

	stale, err := activity.New(staleSession{id: "stale;1;1"}, nil)
	require.NoError(t, err)
	stale.End()
	require.NoError(t, f.adaptor.currentRegistry().Put(stale))

	live, err := f.adaptor.Provider().CreateClientSession(context.Background(), "", "")
	require.NoError(t, err)

	f.adaptor.QueryLiveness(stale.Handle())
	f.adaptor.QueryLiveness(live.Handle())
	f.adaptor.QueryLiveness(activity.NewHandle("unknown;1;1"))

	_, ok := f.adaptor.Activity(stale.Handle())
	assert.False(t, ok)
	_, ok = f.adaptor.Activity(live.Handle())
	assert.True(t, ok)
	assert.Equal(t, []string{metadatapkg.ControlActivityStarted, metadatapkg.ControlActivityEnded}, f.published())
}

func TestProcessingCallbacksAreCounted(t *testing.T) {
	f := newFixture(t, nil)
	et, err := eventid.DefaultCatalog().EventType(eventid.NewTypeID(eventid.NameAccountingRequest))
	require.NoError(t, err)
	h := activity.NewHandle(peerSession)

	f.adaptor.EventProcessingSuccessful(h, et)
	f.adaptor.EventProcessingFailed(h, et, errors.New("rating down"))
	f.adaptor.EventUnreferenced(h, et)
	f.adaptor.ActivityUnreferenced(h)

	assert.Equal(t, float64(3), counterValue(t, f.prom, "rfbridge_sink_processing_total"))
}

func TestActivityEndedIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	act, err := f.adaptor.Provider().CreateClientSession(context.Background(), "", "")
	require.NoError(t, err)

	f.adaptor.ActivityEnded(act.Handle())
	f.adaptor.ActivityEnded(act.Handle())

	assert.Empty(t, f.adaptor.Activities())
	assert.Equal(t, float64(1), counterValue(t, f.prom, "rfbridge_activity_ended_total"))
}

func TestStoppingEndsEveryActivityAndInactiveRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	p := f.adaptor.Provider()
	for i := 0; i < 3; i++ {
		_, err := p.CreateClientSession(ctx, "", "")
		require.NoError(t, err)
	}
	require.Len(t, f.adaptor.Activities(), 3)

	f.adaptor.Stopping(ctx)
	assert.Equal(t, StateStopping, f.adaptor.State())
	assert.Empty(t, f.adaptor.Activities())
	assert.Zero(t, f.stack.SessionCount())
	assert.Empty(t, f.stack.Applications())

	f.adaptor.Inactive(ctx)
	assert.Equal(t, StateInactive, f.adaptor.State())
	_, err := p.CreateClientSession(ctx, "", "")
	assert.ErrorIs(t, err, errspkg.ErrNotActive)
	assert.ErrorIs(t, err, errspkg.ErrCreateActivity)

	f.adaptor.ProcessRequest(inboundACR(peerSession, diameter.RecordStart, 0))
	assert.Empty(t, f.adaptor.Activities())

	ended := 0
	for _, kind := range f.published() {
		if kind == metadatapkg.ControlActivityEnded {
			ended++
		}
	}
	assert.Equal(t, 3, ended)
}

func TestConcurrentRequestsShareOneActivity(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, nil)
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			ans := f.adaptor.ProcessRequest(inboundACR(peerSession, diameter.RecordInterim, uint32(i)))
			if ans != nil {
				return fmt.Errorf("unexpected immediate answer")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, f.adaptor.Activities(), 1)
	started := 0
	for _, kind := range f.published() {
		if kind == metadatapkg.ControlActivityStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)
	assert.Len(t, f.pub.Messages(topic), 17)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "inactive", StateInactive.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "inactive", State(42).String())
}

// gatedStack holds server session allocation until release is closed.
type gatedStack struct {
	*memstack.Stack
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStack) NewServerSession(id string, app diameter.ApplicationID, req diameter.Message) (diameter.Session, error) {
	close(g.entered)
	<-g.release
	return g.Stack.NewServerSession(id, app, req)
}

type gatedMux struct{ *gatedStack }

func (m gatedMux) Stack() diameter.Stack { return m.gatedStack }

func TestStoppingReleasesSessionAllocatedConcurrently(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	mem := memstack.New()
	t.Cleanup(mem.Close)
	gs := &gatedStack{Stack: mem, entered: make(chan struct{}), release: make(chan struct{})}

	a, err := NewAdaptor(ctx, configpkg.Default(), loggingpkg.NewNopServiceLogger(), AdaptorDependencies{
		Multiplexer: gatedMux{gs},
		Sink:        mustSink(t),
	})
	require.NoError(t, err)
	require.NoError(t, a.Activate(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.ProcessRequest(inboundACR("race;1", diameter.RecordStart, 0))
	}()
	<-gs.entered
	a.Stopping(ctx)
	close(gs.release)
	<-done

	assert.Empty(t, a.Activities())
	assert.False(t, a.SessionExists("race;1"))
	assert.Zero(t, mem.SessionCount(), "session allocated during Stopping is released")

	a.Inactive(ctx)
	assert.Zero(t, mem.SessionCount())
}

func TestInactiveEndsActivitiesLeftRegistered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	act, err := f.adaptor.Provider().CreateClientSession(ctx, "", "")
	require.NoError(t, err)

	f.adaptor.Inactive(ctx)
	assert.False(t, act.IsValid())
	assert.Zero(t, f.stack.SessionCount())
	assert.Contains(t, f.published(), metadatapkg.ControlActivityEnded)
}

func TestActivateTwiceKeepsRegistry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	act, err := f.adaptor.Provider().CreateClientSession(ctx, "", "")
	require.NoError(t, err)
	apps := f.stack.Applications()

	require.NoError(t, f.adaptor.Activate(ctx))
	got, ok := f.adaptor.Activity(act.Handle())
	require.True(t, ok)
	assert.Same(t, act, got)
	assert.True(t, act.IsValid())
	assert.Equal(t, apps, f.stack.Applications())
}

func TestUnreferencedEventEndsStaleActivity(t *testing.T) {
	f := newFixture(t, nil)
	et, err := eventid.DefaultCatalog().EventType(eventid.NewTypeID(eventid.NameAccountingAnswer))
	require.NoError(t, err)

	stale, err := activity.New(staleSession{id: "stale;2;1"}, nil)
	require.NoError(t, err)
	stale.End()
	require.NoError(t, f.adaptor.currentRegistry().Put(stale))

	f.adaptor.EventUnreferenced(stale.Handle(), et)

	assert.False(t, f.adaptor.SessionExists("stale;2;1"))
	assert.Equal(t, []string{metadatapkg.ControlActivityEnded}, f.published())
}
