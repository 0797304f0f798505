package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
)

// AlertSink receives critical events at ingestion time, before the event is
// buffered. A sink must not retain evt.Details beyond the call.
type AlertSink func(ctx context.Context, evt AuditEvent) error

// alertDispatcher fans a critical event out to every registered sink. Sink
// errors and panics are contained so they never block ingestion.
type alertDispatcher struct {
	enabled bool
	sinks   []AlertSink
	logger  *zap.Logger
	metrics Metrics
	onError func(error, *AuditEvent)
}

// dispatch calls each sink once for a critical event. It returns the number
// of sinks that were invoked.
func (d *alertDispatcher) dispatch(ctx context.Context, evt AuditEvent) int {
	if !d.enabled || evt.RiskLevel != RiskCritical {
		return 0
	}
	for _, sink := range d.sinks {
		err := d.call(ctx, sink, evt)
		d.metrics.AlertDispatched(err == nil)
		if err != nil {
			d.logger.Error("alert sink failed", zap.String("event_id", evt.EventID), zap.Error(err))
			d.onError(fmt.Errorf("alert sink: %w", err), &evt)
		}
	}
	return len(d.sinks)
}

func (d *alertDispatcher) call(ctx context.Context, sink AlertSink, evt AuditEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("alert sink panic: %v", r)
		}
	}()
	return sink(ctx, evt.clone())
}

// LogAlertSink returns a sink that writes critical events to logger at error
// level. It is the default sink when alerts are enabled and none is configured.
func LogAlertSink(logger *zap.Logger) AlertSink {
	return func(_ context.Context, evt AuditEvent) error {
		logger.Error("CRITICAL AUDIT EVENT",
			zap.String("event_id", evt.EventID),
			zap.String("event_type", string(evt.EventType)),
			zap.String("action", evt.Action),
			zap.String("user_id", evt.UserID),
			zap.String("session_id", evt.SessionID),
			zap.String("source_system", evt.SourceSystem),
			zap.String("description", evt.Description),
		)
		return nil
	}
}

// FileAlertConfig configures the rotating alert file written by FileAlertSink.
type FileAlertConfig struct {
	// FilePath is the path of the active alert file.
	FilePath string
	// MaxSizeMB is the maximum size in megabytes before the file is rotated.
	MaxSizeMB int
	// MaxBackups is the maximum number of rotated files to retain.
	MaxBackups int
	// MaxAgeDays is the maximum number of days to retain rotated files.
	MaxAgeDays int
	// Compress enables gzip compression of rotated files.
	Compress bool
}

// FileAlertSink appends critical events as JSON lines to a rotating file.
type FileAlertSink struct {
	logger *lumberjack.Logger
	mu     sync.Mutex
}

// NewFileAlertSink creates the sink. The file is opened lazily on first write.
func NewFileAlertSink(cfg FileAlertConfig) (*FileAlertSink, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("audit: alert file path is required")
	}
	return &FileAlertSink{
		logger: &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}, nil
}

// Handle is an AlertSink.
func (s *FileAlertSink) Handle(_ context.Context, evt AuditEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.logger.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write alert file: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *FileAlertSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger.Close()
}
