package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// MaintenanceResult reports what one maintenance run did.
type MaintenanceResult struct {
	Removed   int
	Integrity *IntegrityReport // nil when the integrity check is disabled
}

// Maintenance runs the retention sweep and, when ValidateIntegrity is
// enabled, the integrity self-check on the Logger's MaintenanceSchedule.
// Hosts that schedule these themselves can call RunOnce directly.
type Maintenance struct {
	logger *Logger
	cron   *cron.Cron
	spec   string
	onRun  func(MaintenanceResult, error)

	mu      sync.Mutex
	entry   cron.EntryID
	running bool
}

// MaintenanceOption configures a Maintenance.
type MaintenanceOption func(*Maintenance)

// WithMaintenanceHook registers a callback invoked after every scheduled run.
func WithMaintenanceHook(f func(MaintenanceResult, error)) MaintenanceOption {
	return func(m *Maintenance) { m.onRun = f }
}

// NewMaintenance validates the Logger's MaintenanceSchedule and returns a
// stopped scheduler.
func NewMaintenance(l *Logger, opts ...MaintenanceOption) (*Maintenance, error) {
	spec := l.cfg.MaintenanceSchedule
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("audit: invalid maintenance schedule %q: %w", spec, err)
	}
	m := &Maintenance{
		logger: l,
		cron:   cron.New(),
		spec:   spec,
		onRun:  func(MaintenanceResult, error) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start schedules the maintenance job and starts the cron scheduler.
func (m *Maintenance) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	id, err := m.cron.AddFunc(m.spec, func() {
		res, err := m.RunOnce(context.Background())
		m.onRun(res, err)
	})
	if err != nil {
		return fmt.Errorf("audit: schedule maintenance: %w", err)
	}
	m.entry = id
	m.running = true
	m.cron.Start()
	m.logger.logger.Info("audit maintenance scheduled", zap.String("schedule", m.spec))
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cron.Remove(m.entry)
	m.running = false
	m.mu.Unlock()

	<-m.cron.Stop().Done()
	m.logger.logger.Info("audit maintenance stopped")
}

// RunOnce sweeps expired events and, if enabled, validates the log. The
// checks run with an admin RequestContext so they pass AdminOnly.
func (m *Maintenance) RunOnce(ctx context.Context) (MaintenanceResult, error) {
	ctx = WithRequestContext(ctx, RequestContext{
		UserRole:     RoleAdmin,
		SourceSystem: "audit-maintenance",
	})
	var res MaintenanceResult
	removed, err := m.logger.CleanupOldLogs(ctx, 0)
	if err != nil {
		if errors.Is(err, ErrDestroyed) {
			return res, err
		}
		m.logger.logger.Warn("scheduled retention sweep failed", zap.Error(err))
		m.logger.errorFunc(fmt.Errorf("retention sweep: %w", err), nil)
		return res, err
	}
	res.Removed = removed

	if !m.logger.cfg.ValidateIntegrity {
		return res, nil
	}
	report, err := m.logger.ValidateIntegrity(ctx)
	if err != nil {
		m.logger.errorFunc(fmt.Errorf("integrity check: %w", err), nil)
		return res, err
	}
	res.Integrity = &report
	if !report.IsValid {
		m.logger.errorFunc(fmt.Errorf("integrity check: %d violations in %d entries", len(report.Errors), report.TotalLogs), nil)
	}
	return res, nil
}
