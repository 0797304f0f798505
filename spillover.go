package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SpillHandler receives events dropped from an overflowing buffer so they can
// be recovered later instead of being lost.
type SpillHandler interface {
	// Write persists a dropped event.
	Write(evt AuditEvent) error
	// Close releases any resources held by the handler.
	Close() error
}

const spillFileName = "spillover.log"

// spilloverHandler appends dropped events as JSON lines to
// <dir>/spillover.log.
type spilloverHandler struct {
	dir  string
	file *os.File
	mu   sync.Mutex
}

// newSpilloverHandler creates dir if needed and opens the spill file for
// appending.
func newSpilloverHandler(dir string) (*spilloverHandler, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create spillover directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, spillFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open spillover file: %w", err)
	}
	return &spilloverHandler{dir: dir, file: f}, nil
}

// Write serializes evt and syncs the file.
func (h *spilloverHandler) Write(evt AuditEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return fmt.Errorf("spillover file closed")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal spillover event: %w", err)
	}
	if _, err := h.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return h.file.Sync()
}

// drain reads every spilled event and truncates the file. Lines that do not
// decode are skipped.
func (h *spilloverHandler) drain(logger *zap.Logger) ([]AuditEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	path := filepath.Join(h.dir, spillFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening spillover file: %w", err)
	}
	var evts []AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var evt AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			logger.Warn("skipping invalid spill line", zap.Error(err))
			continue
		}
		evts = append(evts, evt)
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading spillover file: %w", err)
	}
	f.Close()

	if err := os.Truncate(path, 0); err != nil {
		return nil, fmt.Errorf("truncating spillover file: %w", err)
	}
	return evts, nil
}

// Close closes the spill file. It is idempotent.
func (h *spilloverHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	if err := h.file.Close(); err != nil {
		return fmt.Errorf("failed to close spillover file: %w", err)
	}
	h.file = nil
	return nil
}

// spill hands dropped events to the spill handler, if any.
func (l *Logger) spill(evts []AuditEvent) {
	if l.spillover == nil {
		return
	}
	for i := range evts {
		if err := l.spillover.Write(evts[i]); err != nil {
			l.logger.Error("failed to spill dropped event", zap.String("event_id", evts[i].EventID), zap.Error(err))
			l.errorFunc(fmt.Errorf("spill: %w", err), &evts[i])
		}
	}
}

// RecoverSpillover re-queues events previously spilled to disk, oldest first,
// and truncates the spill file. It returns the number of events re-queued.
// Only the disk handler created from WithSpilloverDir can be recovered from.
func (l *Logger) RecoverSpillover(ctx context.Context) (int, error) {
	if err := l.checkAlive("RecoverSpillover"); err != nil {
		return 0, err
	}
	sh, ok := l.spillover.(*spilloverHandler)
	if !ok {
		return 0, nil
	}
	evts, err := sh.drain(l.logger)
	if err != nil {
		return 0, err
	}
	if len(evts) == 0 {
		return 0, nil
	}

	l.mu.Lock()
	for _, evt := range evts {
		l.appendLocked(evt)
	}
	trigger := len(l.buffer) >= l.cfg.BatchSize
	l.metrics.BufferSize(len(l.buffer))
	l.mu.Unlock()

	l.logger.Info("recovered spilled events", zap.Int("count", len(evts)))
	if trigger {
		l.signalFlush()
	}
	return len(evts), nil
}

// circuitBreaker stops automatic flushes from hammering a store that keeps
// failing. It opens after maxFails consecutive failures and closes again
// once timeout has elapsed since the last failure.
type circuitBreaker struct {
	mu       sync.Mutex
	open     atomic.Bool
	fails    int
	maxFails int
	timeout  time.Duration
	lastFail time.Time
}

func newCircuitBreaker(timeout time.Duration, maxFails int) *circuitBreaker {
	return &circuitBreaker{maxFails: maxFails, timeout: timeout}
}

// IsClosed reports whether automatic flushes may proceed.
func (cb *circuitBreaker) IsClosed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.open.Load() && time.Since(cb.lastFail) > cb.timeout {
		cb.open.Store(false)
		cb.fails = 0
	}
	return !cb.open.Load()
}

// RecordFailure counts a failed flush and opens the breaker at the threshold.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.fails++
	cb.lastFail = time.Now()
	if cb.maxFails > 0 && cb.fails >= cb.maxFails {
		cb.open.Store(true)
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.fails = 0
	cb.open.Store(false)
}
