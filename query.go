package audit

import (
	"context"
	"sort"
	"time"
)

// LogFilter selects persisted events. Zero-valued fields do not filter;
// set fields combine with AND semantics. StartDate and EndDate are
// inclusive. Limit 0 means no limit.
type LogFilter struct {
	StartDate   *time.Time
	EndDate     *time.Time
	UserID      string
	EventType   EventType
	PHIAccessed *bool
	Limit       int
	Offset      int
}

func (f LogFilter) match(evt AuditEvent, ts time.Time, tsOK bool) bool {
	if f.UserID != "" && evt.UserID != f.UserID {
		return false
	}
	if f.EventType != "" && evt.EventType != f.EventType {
		return false
	}
	if f.PHIAccessed != nil && evt.PHIAccessed != *f.PHIAccessed {
		return false
	}
	return inWindow(ts, tsOK, f.StartDate, f.EndDate)
}

// inWindow reports whether ts falls in [start, end]. Events whose timestamp
// does not parse only match an unbounded window.
func inWindow(ts time.Time, tsOK bool, start, end *time.Time) bool {
	if start == nil && end == nil {
		return true
	}
	if !tsOK {
		return false
	}
	if start != nil && ts.Before(*start) {
		return false
	}
	if end != nil && ts.After(*end) {
		return false
	}
	return true
}

type timedEvent struct {
	evt AuditEvent
	ts  time.Time
}

// GetLogs returns the persisted events matching filter, newest first.
// Events sharing a timestamp are ordered by event id, also descending, so
// pagination with Limit and Offset is stable. Buffered events that have not
// been flushed yet are not visible.
func (l *Logger) GetLogs(ctx context.Context, filter LogFilter) ([]AuditEvent, error) {
	if err := l.checkAlive("GetLogs"); err != nil {
		return nil, err
	}
	if err := l.authorize(ctx); err != nil {
		return nil, err
	}
	events, err := l.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]timedEvent, 0, len(events))
	for _, evt := range events {
		ts, err := evt.Time()
		if filter.match(evt, ts, err == nil) {
			matched = append(matched, timedEvent{evt: evt, ts: ts})
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.ts.Equal(b.ts) {
			return a.ts.After(b.ts)
		}
		return a.evt.EventID > b.evt.EventID
	})

	offset := max(filter.Offset, 0)
	if offset >= len(matched) {
		return []AuditEvent{}, nil
	}
	matched = matched[offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	out := make([]AuditEvent, len(matched))
	for i := range matched {
		out[i] = matched[i].evt
	}
	return out, nil
}

// Statistics aggregates persisted events over a window.
type Statistics struct {
	TotalEvents       int               `json:"totalEvents"`
	EventsByType      map[EventType]int `json:"eventsByType"`
	EventsByRiskLevel map[RiskLevel]int `json:"eventsByRiskLevel"`
	PHIAccessCount    int               `json:"phiAccessCount"`
	FailureCount      int               `json:"failureCount"`
	UniqueUsers       int               `json:"uniqueUsers"`
}

// GetStatistics aggregates the persisted events whose timestamp lies in
// [start, end]. A nil bound leaves that side of the window open.
func (l *Logger) GetStatistics(ctx context.Context, start, end *time.Time) (Statistics, error) {
	if err := l.checkAlive("GetStatistics"); err != nil {
		return Statistics{}, err
	}
	if err := l.authorize(ctx); err != nil {
		return Statistics{}, err
	}
	events, err := l.loadAll(ctx)
	if err != nil {
		return Statistics{}, err
	}

	stats := Statistics{
		EventsByType:      make(map[EventType]int),
		EventsByRiskLevel: make(map[RiskLevel]int),
	}
	users := make(map[string]struct{})
	for _, evt := range events {
		ts, err := evt.Time()
		if !inWindow(ts, err == nil, start, end) {
			continue
		}
		stats.TotalEvents++
		stats.EventsByType[evt.EventType]++
		stats.EventsByRiskLevel[evt.RiskLevel]++
		if evt.PHIAccessed {
			stats.PHIAccessCount++
		}
		if evt.Outcome == OutcomeFailure {
			stats.FailureCount++
		}
		if evt.UserID != "" {
			users[evt.UserID] = struct{}{}
		}
	}
	stats.UniqueUsers = len(users)
	return stats, nil
}
