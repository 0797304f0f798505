package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// CleanupOldLogs removes persisted events older than retentionDays and
// returns how many were removed. Zero selects the configured RetentionDays.
// Events whose timestamp cannot be parsed are kept; ValidateIntegrity
// reports them.
//
// The sweep holds the store lock for its whole load-filter-save cycle, so it
// never interleaves with a flush.
func (l *Logger) CleanupOldLogs(ctx context.Context, retentionDays int) (int, error) {
	if err := l.checkAlive("CleanupOldLogs"); err != nil {
		return 0, err
	}
	if retentionDays == 0 {
		retentionDays = l.cfg.RetentionDays
	}
	if retentionDays < 0 {
		return 0, fmt.Errorf("audit: retention days must not be negative, got %d", retentionDays)
	}
	cutoff := l.cfg.Now().UTC().AddDate(0, 0, -retentionDays)

	l.storeMu.Lock()
	defer l.storeMu.Unlock()

	events, err := l.gw.load(ctx)
	if err != nil {
		return 0, err
	}
	kept := events[:0:0]
	for _, evt := range events {
		ts, err := evt.Time()
		if err == nil && ts.Before(cutoff) {
			continue
		}
		kept = append(kept, evt)
	}
	removed := len(events) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := l.gw.save(ctx, kept); err != nil {
		return 0, err
	}

	l.metrics.EventDropped(DropRetention, removed)
	l.logger.Info("retention sweep removed expired audit events",
		zap.Int("removed", removed),
		zap.Int("remaining", len(kept)),
		zap.Time("cutoff", cutoff),
	)
	return removed, nil
}
