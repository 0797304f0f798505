package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"encryption without service", []Option{WithEncryptLogs(true)}},
		{"zero batch size", []Option{WithEncryptLogs(false), WithBatchSize(0)}},
		{"zero max log size", []Option{WithEncryptLogs(false), WithMaxLogSize(0)}},
		{"zero retention", []Option{WithEncryptLogs(false), WithRetentionDays(0)}},
		{"empty slot", []Option{WithEncryptLogs(false), WithSlotName("")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLogger(tt.opts...)
			require.Error(t, err)
		})
	}
}

func TestFlushPreservesOrder(t *testing.T) {
	clock := newTestClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	l := newTestLogger(t, WithClock(clock.Now))
	ctx := context.Background()

	var ids []string
	for _, action := range []string{"first", "second", "third"} {
		evt := validEvent()
		evt.Action = action
		id, err := l.LogEvent(ctx, evt)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, l.Flush(ctx))

	stored := persisted(t, l)
	require.Len(t, stored, 3)
	for i, evt := range stored {
		assert.Equal(t, ids[i], evt.EventID)
	}

	logs, err := l.GetLogs(ctx, LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "third", logs[0].Action)
	assert.Equal(t, "first", logs[2].Action)
}

func TestBatchThresholdTriggersFlush(t *testing.T) {
	l := newTestLogger(t, WithBatchSize(3))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.LogEvent(ctx, validEvent())
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(persisted(t, l)) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return l.Stats().Buffered == 0 }, time.Second, 10*time.Millisecond)
}

func TestTimerTriggersFlush(t *testing.T) {
	l := newTestLogger(t, WithFlushInterval(20*time.Millisecond))

	_, err := l.LogEvent(context.Background(), validEvent())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(persisted(t, l)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	store := newCountingStore()
	l := newTestLogger(t, WithStore(store))

	require.NoError(t, l.Flush(context.Background()))
	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, int32(0), store.saves.Load())
	assert.Equal(t, StateIdle, l.Stats().State)
}

func TestExplicitFlushFailureKeepsBuffer(t *testing.T) {
	store := newCountingStore()
	l := newTestLogger(t, WithStore(store))
	ctx := context.Background()

	_, err := l.LogEvent(ctx, validEvent())
	require.NoError(t, err)

	store.fail.Store(true)
	err = l.Flush(ctx)
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
	assert.ErrorIs(t, err, errStoreDown)

	stats := l.Stats()
	assert.Equal(t, 1, stats.Buffered)
	assert.Equal(t, uint64(1), stats.FailedFlushes)
	assert.Equal(t, StateAccumulating, stats.State)

	store.fail.Store(false)
	require.NoError(t, l.Flush(ctx))
	assert.Equal(t, 0, l.Stats().Buffered)
	assert.Len(t, persisted(t, l), 1)
}

func TestAutomaticFlushFailureIsReported(t *testing.T) {
	store := newCountingStore()
	store.fail.Store(true)

	var reported atomic.Int32
	core, logs := observer.New(zapcore.WarnLevel)
	l := newTestLogger(t,
		WithStore(store),
		WithBatchSize(1),
		WithLogger(zap.New(core)),
		WithErrorFunc(func(err error, _ *AuditEvent) {
			if IsPersistenceError(err) {
				reported.Add(1)
			}
		}),
	)

	_, err := l.LogEvent(context.Background(), validEvent())
	require.NoError(t, err, "automatic flush failures must not reach LogEvent")

	require.Eventually(t, func() bool { return reported.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, l.Stats().Buffered)
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("automatic flush failed, events kept for retry").Len() >= 1
	}, time.Second, 10*time.Millisecond)

	store.fail.Store(false)
}

func TestAutomaticFlushRetries(t *testing.T) {
	store := newCountingStore()
	store.fail.Store(true)
	var failures atomic.Int32
	l := newTestLogger(t,
		WithStore(store),
		WithBatchSize(1),
		WithRetry(2, time.Millisecond),
		WithErrorFunc(func(error, *AuditEvent) { failures.Add(1) }),
	)

	_, err := l.LogEvent(context.Background(), validEvent())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return failures.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	// Each attempt fails at the load step: one try plus two retries.
	assert.Equal(t, int32(3), store.loads.Load())
	assert.Equal(t, uint64(1), l.Stats().FailedFlushes)
	store.fail.Store(false)
}

func TestCircuitBreakerSkipsAutomaticFlushes(t *testing.T) {
	store := newCountingStore()
	store.fail.Store(true)
	var failures atomic.Int32
	l := newTestLogger(t,
		WithStore(store),
		WithBatchSize(1),
		WithCircuitBreaker(time.Hour, 1),
		WithErrorFunc(func(error, *AuditEvent) { failures.Add(1) }),
	)
	ctx := context.Background()

	_, err := l.LogEvent(ctx, validEvent())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return failures.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = l.LogEvent(ctx, validEvent())
	require.NoError(t, err)
	assert.Never(t, func() bool { return failures.Load() > 1 }, 200*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, 2, l.Stats().Buffered)

	// Explicit flushes ignore the breaker.
	store.fail.Store(false)
	require.NoError(t, l.Flush(ctx))
	assert.Len(t, persisted(t, l), 2)
}

func TestConcurrentTriggersCollapse(t *testing.T) {
	store := newCountingStore()
	store.gate = make(chan struct{})
	l := newTestLogger(t, WithStore(store), WithBatchSize(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.LogEvent(ctx, validEvent())
		require.NoError(t, err)
	}
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("batch flush did not start")
	}
	assert.Equal(t, StateFlushing, l.Stats().State)

	// Arrives while the first flush is in flight.
	_, err := l.LogEvent(ctx, validEvent())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var flushErr error
	go func() {
		defer wg.Done()
		flushErr = l.Flush(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), store.saves.Load(), "second trigger must wait for the in-flight flush")

	close(store.gate)
	wg.Wait()
	require.NoError(t, flushErr)

	assert.Eventually(t, func() bool { return l.Stats().Buffered == 0 }, time.Second, 10*time.Millisecond)
	assert.Len(t, persisted(t, l), 3)
	assert.Equal(t, int32(2), store.saves.Load())
}

func TestSizeBoundKeepsNewest(t *testing.T) {
	l := newTestLogger(t, WithMaxLogSize(2))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := l.LogEvent(ctx, validEvent())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, l.Flush(ctx))

	stored := persisted(t, l)
	require.Len(t, stored, 2)
	assert.Equal(t, ids[1], stored[0].EventID)
	assert.Equal(t, ids[2], stored[1].EventID)
}

func TestStoreEvictionCounted(t *testing.T) {
	l := newTestLogger(t, WithMaxLogSize(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.LogEvent(ctx, validEvent())
		require.NoError(t, err)
	}
	require.NoError(t, l.Flush(ctx))
	last, err := l.LogEvent(ctx, validEvent())
	require.NoError(t, err)
	require.NoError(t, l.Flush(ctx))

	stored := persisted(t, l)
	require.Len(t, stored, 2)
	assert.Equal(t, last, stored[1].EventID)
	assert.Equal(t, uint64(1), l.Stats().Evicted)
	assert.Equal(t, uint64(2), l.Stats().FlushCount)
}

func TestCriticalAlertFiresBeforeBuffering(t *testing.T) {
	store := newCountingStore()
	store.fail.Store(true)

	var alerts []AuditEvent
	var mu sync.Mutex
	l := newTestLogger(t,
		WithStore(store),
		WithAlertSink(func(_ context.Context, evt AuditEvent) error {
			mu.Lock()
			defer mu.Unlock()
			alerts = append(alerts, evt)
			return nil
		}),
	)
	ctx := context.Background()

	id, err := l.LogCrisisEvent(ctx, "patient-7", "crisis_button_pressed", OutcomeSuccess, testRequestContext())
	require.NoError(t, err)

	_, err = l.LogEvent(ctx, validEvent())
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, alerts, 1, "only the critical event is dispatched")
	assert.Equal(t, id, alerts[0].EventID)
	assert.Equal(t, RiskCritical, alerts[0].RiskLevel)
	mu.Unlock()

	// The store is down; the alert fired regardless.
	require.Error(t, l.Flush(ctx))
	store.fail.Store(false)
}

func TestAlertSinkFailuresAreContained(t *testing.T) {
	var errs atomic.Int32
	var calls atomic.Int32
	l := newTestLogger(t,
		WithAlertSink(func(context.Context, AuditEvent) error { panic("boom") }),
		WithAlertSink(func(context.Context, AuditEvent) error { return errors.New("pager down") }),
		WithAlertSink(func(context.Context, AuditEvent) error { calls.Add(1); return nil }),
		WithErrorFunc(func(error, *AuditEvent) { errs.Add(1) }),
	)

	evt := validEvent()
	evt.RiskLevel = RiskCritical
	_, err := l.LogEvent(context.Background(), evt)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(2), errs.Load())
	assert.Equal(t, 1, l.Stats().Buffered)
}

func TestAlertsDisabled(t *testing.T) {
	var calls atomic.Int32
	l := newTestLogger(t,
		WithRealTimeAlerts(false),
		WithAlertSink(func(context.Context, AuditEvent) error { calls.Add(1); return nil }),
	)

	_, err := l.LogCrisisEvent(context.Background(), "patient-7", "crisis_button_pressed", OutcomeSuccess, testRequestContext())
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
}

func TestDestroyFlushesAndRejects(t *testing.T) {
	store := newCountingStore()
	l, err := NewLogger(WithStore(store), WithEncryptLogs(false), WithFlushInterval(time.Hour))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.LogEvent(ctx, validEvent())
	require.NoError(t, err)
	require.NoError(t, l.Destroy(ctx))

	raw, _ := store.Load(ctx, DefaultConfig().SlotName)
	assert.NotEmpty(t, raw)
	assert.Equal(t, StateDestroyed, l.Stats().State)

	_, err = l.LogEvent(ctx, validEvent())
	var lerr *LifecycleError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "LogEvent", lerr.Op)
	assert.ErrorIs(t, l.Flush(ctx), ErrDestroyed)
	assert.ErrorIs(t, l.Destroy(ctx), ErrDestroyed)
	_, err = l.GetLogs(ctx, LogFilter{})
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestDestroyReportsFinalFlushFailure(t *testing.T) {
	store := newCountingStore()
	spilled := &recordingSpill{}
	l, err := NewLogger(WithStore(store), WithEncryptLogs(false), WithFlushInterval(0), WithSpillHandler(spilled))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err = l.LogEvent(ctx, validEvent())
		require.NoError(t, err)
	}
	store.fail.Store(true)

	err = l.Destroy(ctx)
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))

	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.Dropped)
	assert.Equal(t, 0, stats.Buffered)
	assert.Len(t, spilled.events(), 2)
	assert.True(t, spilled.closed.Load())
}

func TestTraceIDStamped(t *testing.T) {
	l := newTestLogger(t)
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	_, err := l.LogEvent(ctx, validEvent())
	require.NoError(t, err)
	require.NoError(t, l.Flush(ctx))
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", persisted(t, l)[0].TraceID)
}

func TestConvenienceWrappers(t *testing.T) {
	l := newTestLogger(t)
	ctx := WithRequestContext(context.Background(), testRequestContext())

	_, err := l.LogAuthentication(ctx, "user-1", OutcomeFailure, RequestContext{})
	require.NoError(t, err)
	_, err = l.LogAuthentication(ctx, "user-1", OutcomeSuccess, testRequestContext())
	require.NoError(t, err)
	_, err = l.LogPHIAccess(ctx, "user-2", ResourceClinicalNote, "note-9", "view_note", RequestContext{})
	require.NoError(t, err)
	require.NoError(t, l.Flush(ctx))

	stored := persisted(t, l)
	require.Len(t, stored, 3)

	assert.Equal(t, EventAuthentication, stored[0].EventType)
	assert.Equal(t, RiskMedium, stored[0].RiskLevel)
	assert.False(t, stored[0].PHIAccessed)
	assert.Equal(t, "sess-1", stored[0].SessionID, "falls back to the request context in ctx")
	assert.Equal(t, RiskLow, stored[1].RiskLevel)

	assert.Equal(t, EventDataAccess, stored[2].EventType)
	assert.True(t, stored[2].PHIAccessed)
	assert.Equal(t, "note-9", stored[2].ResourceID)
	assert.Equal(t, "view_note", stored[2].Action)

	_, err = l.LogPHIAccess(context.Background(), "user-2", ResourceClinicalNote, "note-9", "view_note", RequestContext{})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr, "no request context means no session id")
}

// recordingSpill is an in-memory SpillHandler.
type recordingSpill struct {
	mu     sync.Mutex
	evts   []AuditEvent
	closed atomic.Bool
}

func (r *recordingSpill) Write(evt AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evts = append(r.evts, evt)
	return nil
}

func (r *recordingSpill) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *recordingSpill) events() []AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuditEvent(nil), r.evts...)
}
