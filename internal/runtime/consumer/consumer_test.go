package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rfbridge/internal/runtime/activity"
	"github.com/drblury/rfbridge/internal/runtime/diameter"
	"github.com/drblury/rfbridge/internal/runtime/dispatch"
	"github.com/drblury/rfbridge/internal/runtime/eventid"
	"github.com/drblury/rfbridge/internal/runtime/events"
	metadatapkg "github.com/drblury/rfbridge/internal/runtime/metadata"
	sinkpkg "github.com/drblury/rfbridge/internal/runtime/sink"
)

const sessionID = "client.example;7;9"

type recordingReporter struct {
	mu           sync.Mutex
	successful   []string
	failed       []error
	unreferenced []string
	ended        []activity.Handle
}

func (r *recordingReporter) EventProcessingSuccessful(h activity.Handle, et *eventid.EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successful = append(r.successful, et.ID.Name)
}

func (r *recordingReporter) EventProcessingFailed(_ activity.Handle, _ *eventid.EventType, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, reason)
}

func (r *recordingReporter) EventUnreferenced(_ activity.Handle, et *eventid.EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreferenced = append(r.unreferenced, et.ID.Name)
}

func (r *recordingReporter) ActivityEnded(h activity.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, h)
}

func (r *recordingReporter) counts() (int, int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successful), len(r.failed), len(r.unreferenced), len(r.ended)
}

func accountingFire(t *testing.T) dispatch.Fire {
	t.Helper()
	req := diameter.NewRequest(diameter.CommandAccounting, diameter.AppBaseAccounting, sessionID).Add(
		diameter.NewAVP(diameter.AVPOriginHost, diameter.Identity("client.example")),
		diameter.NewAVP(diameter.AVPAccountingRecordType, diameter.RecordStart),
		diameter.NewAVP(diameter.AVPAccountingRecordNumber, uint32(0)),
	)
	ev, err := events.Translate(req)
	require.NoError(t, err)
	et, err := eventid.DefaultCatalog().EventType(eventid.NewTypeID(eventid.NameAccountingRequest))
	require.NoError(t, err)
	return dispatch.Fire{Handle: activity.NewHandle(sessionID), Type: et, Event: ev}
}

type harness struct {
	pubsub   *gochannel.GoChannel
	sink     *sinkpkg.Sink
	consumer *Consumer
	reporter *recordingReporter
}

func startHarness(t *testing.T, handler HandlerFunc, conf Config, sinkOpts []sinkpkg.Option, opts ...Option) *harness {
	t.Helper()
	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	s, err := sinkpkg.New(pubsub, sinkOpts...)
	require.NoError(t, err)

	reporter := &recordingReporter{}
	if conf.Retry.InitialInterval == 0 {
		conf.Retry.InitialInterval = time.Millisecond
		conf.Retry.MaxInterval = time.Millisecond
	}
	c, err := New(pubsub, reporter, handler, conf, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		_ = pubsub.Close()
	})

	select {
	case <-c.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not start")
	}
	return &harness{pubsub: pubsub, sink: s, consumer: c, reporter: reporter}
}

func TestNewValidatesArguments(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })

	_, err := New(nil, &recordingReporter{}, nil, Config{})
	assert.ErrorIs(t, err, ErrSubscriberRequired)

	_, err = New(pubsub, nil, nil, Config{})
	assert.ErrorIs(t, err, ErrReporterRequired)

	c, err := New(pubsub, &recordingReporter{}, nil, Config{})
	require.NoError(t, err)
	assert.Equal(t, "rfbridge.events", c.Topic())
}

func TestSuccessfulEventIsReported(t *testing.T) {
	var got atomic.Pointer[Delivery]
	h := startHarness(t, func(d *Delivery) error {
		if !d.IsControl() {
			got.Store(d)
		}
		return nil
	}, Config{}, nil)

	ctx := context.Background()
	require.NoError(t, h.sink.StartActivity(ctx, activity.NewHandle(sessionID)))
	require.NoError(t, h.sink.FireEvent(ctx, accountingFire(t)))

	require.Eventually(t, func() bool {
		ok, _, _, _ := h.reporter.counts()
		return ok == 1
	}, 5*time.Second, 10*time.Millisecond)

	d := got.Load()
	require.NotNil(t, d)
	assert.Equal(t, sessionID, d.Handle.String())
	assert.Equal(t, eventid.NameAccountingRequest, d.EventType.ID.Name)
	assert.Equal(t, "AccountingRequest", d.Kind)
	assert.NotEmpty(t, d.Metadata[metadatapkg.KeyContentType])

	p, err := d.Payload()
	require.NoError(t, err)
	assert.Equal(t, sessionID, p.SessionID)
	require.NotNil(t, p.RecordType)
	assert.Equal(t, diameter.RecordStart, *p.RecordType)

	stats := h.consumer.Stats()
	assert.Equal(t, uint64(1), stats.Events)
	assert.Equal(t, uint64(1), stats.Controls)
	assert.Equal(t, uint64(1), stats.Successful)
	assert.Equal(t, 2, stats.Latency.SampleSize)
}

func TestProtoBodiesAreDecoded(t *testing.T) {
	var kind atomic.Value
	h := startHarness(t, func(d *Delivery) error {
		p, err := d.Payload()
		if err != nil {
			return err
		}
		kind.Store(p.Kind)
		return nil
	}, Config{}, []sinkpkg.Option{sinkpkg.WithCodec(sinkpkg.ProtoCodec{})})

	require.NoError(t, h.sink.FireEvent(context.Background(), accountingFire(t)))
	require.Eventually(t, func() bool { return kind.Load() == "AccountingRequest" }, 5*time.Second, 10*time.Millisecond)
}

func TestFailedEventIsRetriedThenReportedOnce(t *testing.T) {
	var attempts atomic.Int32
	boom := errors.New("downstream unavailable")
	h := startHarness(t, func(d *Delivery) error {
		attempts.Add(1)
		return boom
	}, Config{Retry: RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}}, nil)

	require.NoError(t, h.sink.FireEvent(context.Background(), accountingFire(t)))

	require.Eventually(t, func() bool {
		_, failed, _, _ := h.reporter.counts()
		return failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.ErrorIs(t, h.reporter.failed[0], boom)

	stats := h.consumer.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, boom.Error(), stats.LastError)
}

func TestUnreferencedEventIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	h := startHarness(t, func(d *Delivery) error {
		attempts.Add(1)
		return ErrUnreferenced
	}, Config{}, nil)

	require.NoError(t, h.sink.FireEvent(context.Background(), accountingFire(t)))
	require.Eventually(t, func() bool {
		_, _, unref, _ := h.reporter.counts()
		return unref == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestActivityEndedControlIsReported(t *testing.T) {
	h := startHarness(t, nil, Config{}, nil)

	require.NoError(t, h.sink.EndActivity(context.Background(), activity.NewHandle(sessionID)))
	require.Eventually(t, func() bool {
		_, _, _, ended := h.reporter.counts()
		return ended == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, sessionID, h.reporter.ended[0].String())
}

func TestPanicsAreRecoveredAndReported(t *testing.T) {
	h := startHarness(t, func(d *Delivery) error {
		panic("handler bug")
	}, Config{Retry: RetryConfig{MaxRetries: 1}}, nil)

	require.NoError(t, h.sink.FireEvent(context.Background(), accountingFire(t)))
	require.Eventually(t, func() bool {
		_, failed, _, _ := h.reporter.counts()
		return failed == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUndecodableMessagesGoToPoisonQueue(t *testing.T) {
	poison := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	t.Cleanup(func() { _ = poison.Close() })

	var doneCalls, errorCalls atomic.Int32
	hooks := Hooks{
		OnDone:  func(DeliveryContext) { doneCalls.Add(1) },
		OnError: func(DeliveryContext, error) { errorCalls.Add(1) },
	}
	h := startHarness(t, nil, Config{}, nil, WithPoisonQueue(poison, "rfbridge.poison"), WithHooks(hooks))

	poisoned, err := poison.Subscribe(context.Background(), "rfbridge.poison")
	require.NoError(t, err)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{}`))
	require.NoError(t, h.pubsub.Publish(h.consumer.Topic(), msg))

	select {
	case got := <-poisoned:
		got.Ack()
		assert.Equal(t, msg.UUID, got.UUID)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not forwarded to the poison queue")
	}
	assert.Equal(t, uint64(1), h.consumer.Stats().Undecodable)
	assert.Equal(t, int32(1), errorCalls.Load())
	assert.Zero(t, doneCalls.Load())
}

func TestUnknownEventTypeIsUndecodable(t *testing.T) {
	h := startHarness(t, nil, Config{}, nil, WithLookup(eventid.NewCatalog()))

	require.NoError(t, h.sink.FireEvent(context.Background(), accountingFire(t)))
	require.Eventually(t, func() bool { return h.consumer.Stats().Undecodable == 1 }, 5*time.Second, 10*time.Millisecond)
	ok, failed, _, _ := h.reporter.counts()
	assert.Zero(t, ok)
	assert.Zero(t, failed)
}

func TestRouterMetricsAreRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := startHarness(t, nil, Config{}, nil, WithPrometheus(reg))

	require.NoError(t, h.sink.FireEvent(context.Background(), accountingFire(t)))
	require.Eventually(t, func() bool {
		ok, _, _, _ := h.reporter.counts()
		return ok == 1
	}, 5*time.Second, 10*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestHooksMerge(t *testing.T) {
	var order []string
	a := Hooks{OnStart: func(DeliveryContext) { order = append(order, "a") }}
	b := Hooks{
		OnStart: func(DeliveryContext) { order = append(order, "b") },
		OnError: func(DeliveryContext, error) { order = append(order, "err") },
	}
	merged := a.Merge(b)
	merged.OnStart(DeliveryContext{})
	merged.OnError(DeliveryContext{}, errors.New("x"))
	assert.Nil(t, merged.OnDone)
	assert.Equal(t, []string{"a", "b", "err"}, order)
	assert.True(t, Hooks{}.empty())
}

func TestRemoteSpanContext(t *testing.T) {
	_, ok := remoteSpanContext(message.Metadata{})
	assert.False(t, ok)

	sc, ok := remoteSpanContext(message.Metadata{
		metadatapkg.KeyTraceID: "0102030405060708090a0b0c0d0e0f10",
		metadatapkg.KeySpanID:  "0102030405060708",
	})
	require.True(t, ok)
	assert.True(t, sc.IsRemote())
	assert.Equal(t, "0102030405060708", sc.SpanID().String())
}

func TestLatencyWindowPercentiles(t *testing.T) {
	lw := newLatencyWindow(4)
	assert.Zero(t, lw.Snapshot().SampleSize)
	for _, d := range []time.Duration{5, 1, 3, 2, 4} {
		lw.Add(d)
	}
	m := lw.Snapshot()
	assert.Equal(t, 4, m.SampleSize)
	assert.Equal(t, int64(4), m.LastNs)
	assert.Equal(t, int64(2), m.P50Ns)
	assert.Equal(t, int64(2), m.AverageNs)
	assert.Equal(t, int64(4), percentile([]int64{1, 2, 3, 4}, 1))
}
