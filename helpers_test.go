package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestLogger returns an unencrypted Logger without a flush timer. Extra
// options are applied last. The Logger is destroyed when the test ends.
func newTestLogger(t *testing.T, opts ...Option) *Logger {
	t.Helper()
	base := []Option{
		WithEncryptLogs(false),
		WithFlushInterval(0),
		WithBatchSize(100),
		WithRetry(0, time.Millisecond),
	}
	l, err := NewLogger(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { _ = l.Destroy(context.Background()) })
	return l
}

// validEvent returns an event that passes validation.
func validEvent() AuditEvent {
	return AuditEvent{
		EventType:    EventDataAccess,
		Outcome:      OutcomeSuccess,
		UserID:       "user-1",
		UserRole:     RoleProvider,
		SessionID:    "sess-1",
		SourceIP:     "10.0.0.1",
		UserAgent:    "test-agent",
		SourceSystem: "web",
		ResourceType: ResourcePatientRecord,
		ResourceID:   "patient-42",
		PHIAccessed:  true,
		Action:       "view_patient_record",
		Description:  "Viewed patient record",
		RiskLevel:    RiskMedium,
	}
}

func testRequestContext() RequestContext {
	return RequestContext{
		SessionID:    "sess-1",
		SourceIP:     "10.0.0.1",
		UserAgent:    "test-agent",
		SourceSystem: "web",
		UserRole:     RoleProvider,
	}
}

// testClock is a settable clock. Each call to Now advances it by step.
type testClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start, step: time.Millisecond}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var errStoreDown = errors.New("store unavailable")

// countingStore wraps a MemoryStore, counting saves and optionally failing
// or blocking them.
type countingStore struct {
	*MemoryStore
	saves atomic.Int32
	loads atomic.Int32
	fail  atomic.Bool

	gate    chan struct{} // when non-nil, saves wait until it is closed
	entered chan struct{} // closed when the first save starts
	once    sync.Once
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{})}
}

func (s *countingStore) Save(ctx context.Context, slot string, data []byte) error {
	s.saves.Add(1)
	s.once.Do(func() { close(s.entered) })
	if s.gate != nil {
		<-s.gate
	}
	if s.fail.Load() {
		return errStoreDown
	}
	return s.MemoryStore.Save(ctx, slot, data)
}

func (s *countingStore) Load(ctx context.Context, slot string) ([]byte, error) {
	s.loads.Add(1)
	if s.fail.Load() {
		return nil, errStoreDown
	}
	return s.MemoryStore.Load(ctx, slot)
}

// persisted reads the events currently in the Logger's store, in stored order.
func persisted(t *testing.T, l *Logger) []AuditEvent {
	t.Helper()
	evts, err := l.loadAll(context.Background())
	if err != nil {
		t.Fatalf("load store: %v", err)
	}
	return evts
}
