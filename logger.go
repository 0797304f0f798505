package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a Logger's buffer.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateFlushing
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// EngineStats is a point-in-time snapshot of a Logger's counters.
type EngineStats struct {
	State         State
	Buffered      int    // events waiting to be flushed
	Dropped       uint64 // events dropped from the buffer (overflow or shutdown)
	Evicted       uint64 // persisted events evicted to respect MaxLogSize
	FlushCount    uint64 // successful flushes that wrote to the store
	FailedFlushes uint64
}

// bufferedEvent pairs an event with its position in the append order, so a
// completed flush can remove exactly the prefix it persisted.
type bufferedEvent struct {
	seq uint64
	evt AuditEvent
}

// Logger is the compliance audit-trail engine. It validates events, buffers
// them, flushes them to a Store in batches, dispatches critical alerts, and
// answers queries over the persisted log.
//
// All methods are safe for concurrent use. Operations that read-modify-write
// the store (flushes and retention sweeps) are serialized by the Logger, and
// reads take the same lock so they always observe a complete log. Two Logger
// instances sharing one store and slot are not coordinated: the later save
// wins.
type Logger struct {
	cfg           Config
	validator     *Validator
	gw            *gateway
	alerts        *alertDispatcher
	logger        *zap.Logger
	metrics       Metrics
	errorFunc     func(error, *AuditEvent)
	accessControl AccessControlFunc
	spillover     SpillHandler
	circuit       *circuitBreaker

	failLog    *rate.Limiter // throttles automatic flush failure diagnostics
	suppressed atomic.Int64

	mu        sync.Mutex
	buffer    []bufferedEvent
	nextSeq   uint64
	state     State
	destroyed bool
	inflight  chan struct{} // non-nil while a flush runs; closed when it ends
	dropped   uint64
	evicted   uint64
	flushes   uint64
	failed    uint64

	storeMu sync.Mutex // serializes load-mutate-save of the whole store

	kick     chan struct{}
	life     context.Context
	stop     context.CancelFunc
	loopDone chan struct{}
}

// NewLogger creates a Logger and starts its flush timer.
//
// Returns an error when the configuration is inconsistent, for example
// encryption enabled without an EncryptionService.
func NewLogger(opts ...Option) (*Logger, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.ErrorFunc == nil {
		cfg.ErrorFunc = func(error, *AuditEvent) {}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	switch {
	case cfg.BatchSize < 1:
		return nil, fmt.Errorf("audit: batch size must be positive, got %d", cfg.BatchSize)
	case cfg.MaxLogSize < 1:
		return nil, fmt.Errorf("audit: max log size must be positive, got %d", cfg.MaxLogSize)
	case cfg.RetentionDays < 1:
		return nil, fmt.Errorf("audit: retention days must be positive, got %d", cfg.RetentionDays)
	case cfg.SlotName == "":
		return nil, errors.New("audit: slot name is required")
	case cfg.EncryptLogs && cfg.Encryption == nil:
		return nil, errors.New("audit: log encryption is enabled but no EncryptionService is configured")
	}

	logger := cfg.Logger.Named("audit")
	var crypter EncryptionService
	if cfg.EncryptLogs {
		crypter = cfg.Encryption
	}
	sinks := cfg.AlertSinks
	if len(sinks) == 0 {
		sinks = []AlertSink{LogAlertSink(logger)}
	}

	l := &Logger{
		cfg:       cfg,
		validator: NewValidator(cfg.DetailSchemas),
		gw: &gateway{
			store:   cfg.Store,
			slot:    cfg.SlotName,
			crypter: crypter,
			logger:  logger,
		},
		logger:        logger,
		metrics:       cfg.Metrics,
		errorFunc:     cfg.ErrorFunc,
		accessControl: cfg.AccessControl,
		circuit:       newCircuitBreaker(cfg.CircuitTimeout, cfg.CircuitMaxFails),
		failLog:       rate.NewLimiter(rate.Every(time.Second), 5),
		kick:          make(chan struct{}, 1),
		loopDone:      make(chan struct{}),
	}
	l.validator.now = cfg.Now
	l.alerts = &alertDispatcher{
		enabled: cfg.EnableRealTimeAlerts,
		sinks:   sinks,
		logger:  logger,
		metrics: cfg.Metrics,
		onError: cfg.ErrorFunc,
	}

	// Prefer a caller-provided handler, else disk-based if a directory is set.
	if cfg.SpillHandler != nil {
		l.spillover = cfg.SpillHandler
	} else if cfg.SpilloverDir != "" {
		sh, err := newSpilloverHandler(cfg.SpilloverDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize spillover: %w", err)
		}
		l.spillover = sh
	}

	l.life, l.stop = context.WithCancel(context.Background())
	go l.run(cfg.FlushInterval)

	logger.Info("audit logger started",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("flush_interval", cfg.FlushInterval),
		zap.Int("max_log_size", cfg.MaxLogSize),
		zap.Bool("encrypted", crypter != nil),
		zap.String("slot", cfg.SlotName),
	)
	return l, nil
}

// LogEvent validates evt, dispatches it to the alert sinks if it is critical,
// and appends it to the buffer. It returns the generated event id.
//
// LogEvent never waits for storage. A *ValidationError means the event was
// rejected and the audited action must not proceed; a pending or failed
// flush is not reported here.
func (l *Logger) LogEvent(ctx context.Context, evt AuditEvent) (string, error) {
	if err := l.checkAlive("LogEvent"); err != nil {
		return "", err
	}
	prepared, err := l.validator.Prepare(evt)
	if err != nil {
		return "", err
	}
	if !l.cfg.LogSensitiveData {
		prepared.Details = sanitizeDetails(prepared.Details)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		prepared.TraceID = sc.TraceID().String()
	}

	// Alerts fire before the event can be lost to any persistence problem.
	l.alerts.dispatch(ctx, prepared)

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return "", &LifecycleError{Op: "LogEvent"}
	}
	l.appendLocked(prepared)
	var overflow []AuditEvent
	if l.inflight == nil {
		overflow = l.trimLocked()
	}
	n := len(l.buffer)
	l.mu.Unlock()

	l.metrics.EventLogged(prepared.EventType)
	l.metrics.BufferSize(n)
	l.reportDropped(overflow)
	if n >= l.cfg.BatchSize {
		l.signalFlush()
	}
	return prepared.EventID, nil
}

// appendLocked adds evt to the buffer. l.mu must be held.
func (l *Logger) appendLocked(evt AuditEvent) {
	l.nextSeq++
	l.buffer = append(l.buffer, bufferedEvent{seq: l.nextSeq, evt: evt})
	if l.state == StateIdle {
		l.state = StateAccumulating
	}
}

// trimLocked drops the oldest buffered events beyond MaxLogSize and returns
// them. l.mu must be held and no flush may be in flight.
func (l *Logger) trimLocked() []AuditEvent {
	over := len(l.buffer) - l.cfg.MaxLogSize
	if over <= 0 {
		return nil
	}
	out := make([]AuditEvent, over)
	for i := range out {
		out[i] = l.buffer[i].evt
	}
	l.buffer = append([]bufferedEvent(nil), l.buffer[over:]...)
	l.dropped += uint64(over)
	return out
}

// reportDropped makes a buffer drop observable: metrics, log, spill.
func (l *Logger) reportDropped(evts []AuditEvent) {
	if len(evts) == 0 {
		return
	}
	l.metrics.EventDropped(DropBufferOverflow, len(evts))
	l.logger.Error("audit buffer overflow, dropped oldest unflushed events",
		zap.Int("dropped", len(evts)),
		zap.String("oldest_event_id", evts[0].EventID),
	)
	l.spill(evts)
}

// signalFlush asks the flush loop to run. Signals collapse while one is pending.
func (l *Logger) signalFlush() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// run is the flush loop. The timer and the batch threshold both end up in
// autoFlush, so they share one code path and one in-flight guard.
func (l *Logger) run(interval time.Duration) {
	defer close(l.loopDone)
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-l.life.Done():
			return
		case <-tick:
			l.autoFlush("timer")
		case <-l.kick:
			l.autoFlush("batch")
		}
	}
}

// autoFlush runs a timer- or batch-triggered flush. Failures are retried with
// backoff, then logged; the events stay buffered for the next trigger.
func (l *Logger) autoFlush(trigger string) {
	if !l.circuit.IsClosed() {
		l.logger.Debug("circuit open, skipping automatic flush", zap.String("trigger", trigger))
		return
	}
	err := l.flush(context.Background(), true)
	if err == nil {
		return
	}
	l.errorFunc(fmt.Errorf("automatic flush (%s): %w", trigger, err), nil)
	if !l.failLog.Allow() {
		l.suppressed.Add(1)
		return
	}
	l.logger.Warn("automatic flush failed, events kept for retry",
		zap.String("trigger", trigger),
		zap.Int("buffered", l.Stats().Buffered),
		zap.Int64("suppressed", l.suppressed.Swap(0)),
		zap.Error(err),
	)
}

// Flush persists every buffered event. It is a no-op when the buffer is
// empty. If a flush is already running, Flush waits for it and then flushes
// whatever is still buffered. Errors are returned as *PersistenceError and
// leave the buffer intact; explicit flushes are not retried.
func (l *Logger) Flush(ctx context.Context) error {
	if err := l.checkAlive("Flush"); err != nil {
		return err
	}
	return l.flush(ctx, false)
}

// flush is the single flush path. Automatic callers (auto=true) return
// immediately when another flush is in flight.
func (l *Logger) flush(ctx context.Context, auto bool) error {
	for {
		l.mu.Lock()
		if wait := l.inflight; wait != nil {
			l.mu.Unlock()
			if auto {
				return nil
			}
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if len(l.buffer) == 0 {
			l.mu.Unlock()
			return nil
		}
		batch := make([]AuditEvent, len(l.buffer))
		for i, b := range l.buffer {
			batch[i] = b.evt
		}
		lastSeq := l.buffer[len(l.buffer)-1].seq
		done := make(chan struct{})
		l.inflight = done
		prev := l.state
		l.state = StateFlushing
		l.mu.Unlock()

		start := time.Now()
		evicted, err := l.commit(ctx, batch, auto)

		l.mu.Lock()
		var overflow []AuditEvent
		if err == nil {
			i := 0
			for i < len(l.buffer) && l.buffer[i].seq <= lastSeq {
				i++
			}
			l.buffer = append([]bufferedEvent(nil), l.buffer[i:]...)
			l.flushes++
			l.evicted += uint64(evicted)
		} else {
			l.failed++
		}
		l.inflight = nil
		close(done)
		overflow = l.trimLocked()
		switch {
		case prev == StateDestroyed || l.destroyed:
			l.state = StateDestroyed
		case len(l.buffer) == 0:
			l.state = StateIdle
		default:
			l.state = StateAccumulating
		}
		n := len(l.buffer)
		l.mu.Unlock()

		l.metrics.BufferSize(n)
		l.reportDropped(overflow)
		if err != nil {
			l.metrics.FlushFailed()
			l.circuit.RecordFailure()
			return err
		}
		l.circuit.RecordSuccess()
		l.metrics.FlushCompleted(len(batch), time.Since(start))
		if evicted > 0 {
			l.metrics.EventDropped(DropStoreEviction, evicted)
			l.logger.Info("evicted oldest persisted events to respect max log size",
				zap.Int("evicted", evicted), zap.Int("max_log_size", l.cfg.MaxLogSize))
		}
		l.logger.Debug("flushed audit events", zap.Int("count", len(batch)), zap.Duration("took", time.Since(start)))
		return nil
	}
}

// commit appends batch to the persisted log, evicting the oldest entries
// beyond MaxLogSize, and returns how many were evicted. Automatic flushes
// retry with exponential backoff until RetryCount is exhausted or the
// Logger is destroyed.
func (l *Logger) commit(ctx context.Context, batch []AuditEvent, auto bool) (int, error) {
	var evicted int
	op := func() error {
		l.storeMu.Lock()
		defer l.storeMu.Unlock()
		existing, err := l.gw.load(ctx)
		if err != nil {
			return err
		}
		merged := make([]AuditEvent, 0, len(existing)+len(batch))
		merged = append(merged, existing...)
		merged = append(merged, batch...)
		evicted = 0
		if over := len(merged) - l.cfg.MaxLogSize; over > 0 {
			merged = merged[over:]
			evicted = over
		}
		return l.gw.save(ctx, merged)
	}
	if !auto || l.cfg.RetryCount <= 0 {
		return evicted, op()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.cfg.RetryCount)), l.life)
	err := backoff.Retry(op, policy)
	return evicted, err
}

// Destroy stops the flush timer, performs one final flush and moves the
// Logger to its terminal state. Later calls to any method fail with a
// *LifecycleError. If the final flush fails its error is returned and the
// events still buffered are counted as dropped (and spilled, if configured).
func (l *Logger) Destroy(ctx context.Context) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return &LifecycleError{Op: "Destroy"}
	}
	l.destroyed = true
	l.mu.Unlock()

	// Revoke the timer before the final flush so nothing can race it.
	l.stop()
	<-l.loopDone

	err := l.flush(ctx, false)

	l.mu.Lock()
	var lost []AuditEvent
	for _, b := range l.buffer {
		lost = append(lost, b.evt)
	}
	l.buffer = nil
	l.dropped += uint64(len(lost))
	l.state = StateDestroyed
	l.mu.Unlock()

	if len(lost) > 0 {
		l.metrics.EventDropped(DropShutdown, len(lost))
		l.logger.Error("final flush failed, buffered events lost", zap.Int("dropped", len(lost)), zap.Error(err))
		l.spill(lost)
	}
	l.metrics.BufferSize(0)
	if l.spillover != nil {
		if cerr := l.spillover.Close(); cerr != nil {
			l.errorFunc(fmt.Errorf("spillover close: %w", cerr), nil)
		}
	}
	l.logger.Info("audit logger destroyed")
	return err
}

// Stats returns a snapshot of the engine counters.
func (l *Logger) Stats() EngineStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return EngineStats{
		State:         l.state,
		Buffered:      len(l.buffer),
		Dropped:       l.dropped,
		Evicted:       l.evicted,
		FlushCount:    l.flushes,
		FailedFlushes: l.failed,
	}
}

// DroppedEvents returns the number of events lost from the buffer.
func (l *Logger) DroppedEvents() uint64 {
	return l.Stats().Dropped
}

func (l *Logger) checkAlive(op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return &LifecycleError{Op: op}
	}
	return nil
}

// authorize applies the configured AccessControlFunc.
func (l *Logger) authorize(ctx context.Context) error {
	if l.accessControl == nil {
		return nil
	}
	return l.accessControl(ctx)
}

// loadAll reads the full persisted log under the store lock.
func (l *Logger) loadAll(ctx context.Context) ([]AuditEvent, error) {
	l.storeMu.Lock()
	defer l.storeMu.Unlock()
	return l.gw.load(ctx)
}
