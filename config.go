package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config holds the parameters of a Logger. Use DefaultConfig and Option
// functions rather than building it by hand.
type Config struct {
	MaxLogSize           int           // Maximum events kept in the store; oldest are evicted first.
	RetentionDays        int           // Default retention window for CleanupOldLogs.
	BatchSize            int           // Buffer length that triggers an immediate flush.
	FlushInterval        time.Duration // Period of the flush timer (0 disables it).
	EncryptLogs          bool          // Route the persisted log through Encryption.
	ValidateIntegrity    bool          // Run the integrity self-check from the maintenance scheduler.
	EnableRealTimeAlerts bool          // Dispatch critical events to the alert sinks.
	LogSensitiveData     bool          // When false, known sensitive detail keys are redacted.
	SlotName             string        // Name of the store slot holding the log.
	RetryCount           int           // Retries of an automatic flush before giving up.
	RetryDelay           time.Duration // Initial backoff between automatic flush retries.
	CircuitMaxFails      int           // Consecutive automatic flush failures that open the breaker.
	CircuitTimeout       time.Duration // Time the breaker stays open.
	SpilloverDir         string        // Directory receiving events dropped from the buffer.
	MaintenanceSchedule  string        // Cron spec for the retention sweep and integrity check.

	Store         Store
	Encryption    EncryptionService
	SpillHandler  SpillHandler
	AlertSinks    []AlertSink
	Logger        *zap.Logger
	Metrics       Metrics
	ErrorFunc     func(error, *AuditEvent) // Called for every internally swallowed error.
	AccessControl AccessControlFunc
	DetailSchemas map[EventType]DetailSchema
	Now           func() time.Time
}

// DefaultConfig returns a Config with the defaults of a production deployment.
// Encryption is enabled, so an EncryptionService must be supplied.
func DefaultConfig() Config {
	return Config{
		MaxLogSize:           1000,
		RetentionDays:        2190, // six years
		BatchSize:            50,
		FlushInterval:        30 * time.Second,
		EncryptLogs:          true,
		ValidateIntegrity:    true,
		EnableRealTimeAlerts: true,
		LogSensitiveData:     false,
		SlotName:             "hipaa_audit_logs",
		RetryCount:           3,
		RetryDelay:           100 * time.Millisecond,
		CircuitMaxFails:      5,
		CircuitTimeout:       30 * time.Second,
		MaintenanceSchedule:  "@daily",
		Now:                  time.Now,
	}
}

// Option defines a functional option for configuring a Logger.
type Option func(*Config)

// WithMaxLogSize bounds the number of events kept in the store.
func WithMaxLogSize(n int) Option { return func(c *Config) { c.MaxLogSize = n } }

// WithRetentionDays sets the default retention window used by CleanupOldLogs.
func WithRetentionDays(days int) Option { return func(c *Config) { c.RetentionDays = days } }

// WithBatchSize sets the buffer length at which a flush is triggered
// immediately, without waiting for the timer.
func WithBatchSize(n int) Option { return func(c *Config) { c.BatchSize = n } }

// WithFlushInterval sets the period of the flush timer. The timer flushes
// whenever the buffer is non-empty, regardless of batch size. Zero disables it.
func WithFlushInterval(d time.Duration) Option { return func(c *Config) { c.FlushInterval = d } }

// WithEncryptLogs enables or disables encryption of the persisted log.
func WithEncryptLogs(on bool) Option { return func(c *Config) { c.EncryptLogs = on } }

// WithEncryption sets the EncryptionService and enables encryption.
func WithEncryption(svc EncryptionService) Option {
	return func(c *Config) {
		c.Encryption = svc
		c.EncryptLogs = true
	}
}

// WithValidateIntegrity toggles the integrity self-check run by the
// maintenance scheduler.
func WithValidateIntegrity(on bool) Option { return func(c *Config) { c.ValidateIntegrity = on } }

// WithRealTimeAlerts enables or disables critical-event alert dispatch.
func WithRealTimeAlerts(on bool) Option { return func(c *Config) { c.EnableRealTimeAlerts = on } }

// WithLogSensitiveData disables (true) or enables (false) redaction of known
// sensitive keys in event details.
func WithLogSensitiveData(on bool) Option { return func(c *Config) { c.LogSensitiveData = on } }

// WithSlotName sets the store slot holding the log.
func WithSlotName(name string) Option { return func(c *Config) { c.SlotName = name } }

// WithRetry configures the bounded retry policy of automatic flushes.
// Explicit Flush calls are never retried.
func WithRetry(count int, delay time.Duration) Option {
	return func(c *Config) {
		c.RetryCount = count
		c.RetryDelay = delay
	}
}

// WithCircuitBreaker configures the breaker guarding automatic flushes.
//
//   - timeout: how long the breaker stays open before automatic flushes
//     are attempted again.
//   - maxFails: consecutive failures that open the breaker.
func WithCircuitBreaker(timeout time.Duration, maxFails int) Option {
	return func(c *Config) {
		c.CircuitTimeout = timeout
		c.CircuitMaxFails = maxFails
	}
}

// WithSpilloverDir sets the directory receiving events dropped from an
// overflowing buffer. An empty string disables spillover.
func WithSpilloverDir(dir string) Option { return func(c *Config) { c.SpilloverDir = dir } }

// WithSpillHandler sets a custom SpillHandler, typically for testing.
func WithSpillHandler(h SpillHandler) Option { return func(c *Config) { c.SpillHandler = h } }

// WithMaintenanceSchedule sets the cron spec used by NewMaintenance.
func WithMaintenanceSchedule(spec string) Option {
	return func(c *Config) { c.MaintenanceSchedule = spec }
}

// WithStore sets the durable store. Defaults to a MemoryStore.
func WithStore(s Store) Option { return func(c *Config) { c.Store = s } }

// WithAlertSink registers an additional sink for critical events.
func WithAlertSink(sink AlertSink) Option {
	return func(c *Config) { c.AlertSinks = append(c.AlertSinks, sink) }
}

// WithLogger sets the zap logger used for diagnostics.
func WithLogger(logger *zap.Logger) Option { return func(c *Config) { c.Logger = logger } }

// WithMetrics sets the Metrics implementation.
func WithMetrics(m Metrics) Option { return func(c *Config) { c.Metrics = m } }

// WithMetricsRegisterer creates Prometheus metrics registered with registerer.
func WithMetricsRegisterer(registerer prometheus.Registerer) Option {
	return func(c *Config) { c.Metrics = NewPrometheusMetrics(registerer) }
}

// WithErrorFunc sets a callback invoked for errors the engine swallows
// (automatic flush failures, alert sink failures, spill failures).
func WithErrorFunc(f func(error, *AuditEvent)) Option {
	return func(c *Config) { c.ErrorFunc = f }
}

// WithAccessControl guards GetLogs, GetStatistics and ValidateIntegrity.
func WithAccessControl(f AccessControlFunc) Option {
	return func(c *Config) { c.AccessControl = f }
}

// WithDetailSchema registers a DetailSchema for events of type et.
func WithDetailSchema(et EventType, s DetailSchema) Option {
	return func(c *Config) {
		if c.DetailSchemas == nil {
			c.DetailSchemas = make(map[EventType]DetailSchema)
		}
		c.DetailSchemas[et] = s
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(c *Config) { c.Now = now } }

// Settings is the file/environment representation of the tunable part of
// Config.
type Settings struct {
	MaxLogSize           int           `koanf:"max_log_size"`
	RetentionDays        int           `koanf:"retention_days"`
	BatchSize            int           `koanf:"batch_size"`
	FlushInterval        time.Duration `koanf:"flush_interval"`
	EncryptLogs          bool          `koanf:"encrypt_logs"`
	EncryptionKey        string        `koanf:"encryption_key"`
	ValidateIntegrity    bool          `koanf:"validate_integrity"`
	EnableRealTimeAlerts bool          `koanf:"enable_real_time_alerts"`
	LogSensitiveData     bool          `koanf:"log_sensitive_data"`
	SlotName             string        `koanf:"slot_name"`
	RetryCount           int           `koanf:"retry_count"`
	RetryDelay           time.Duration `koanf:"retry_delay"`
	SpilloverDir         string        `koanf:"spillover_dir"`
	MaintenanceSchedule  string        `koanf:"maintenance_schedule"`
}

func defaultSettings() Settings {
	d := DefaultConfig()
	return Settings{
		MaxLogSize:           d.MaxLogSize,
		RetentionDays:        d.RetentionDays,
		BatchSize:            d.BatchSize,
		FlushInterval:        d.FlushInterval,
		EncryptLogs:          d.EncryptLogs,
		ValidateIntegrity:    d.ValidateIntegrity,
		EnableRealTimeAlerts: d.EnableRealTimeAlerts,
		LogSensitiveData:     d.LogSensitiveData,
		SlotName:             d.SlotName,
		RetryCount:           d.RetryCount,
		RetryDelay:           d.RetryDelay,
		MaintenanceSchedule:  d.MaintenanceSchedule,
	}
}

// LoadSettings resolves Settings from, in increasing precedence: defaults,
// the YAML file at path (skipped when empty), and AUDIT_* environment
// variables (AUDIT_BATCH_SIZE -> batch_size, and so on).
func LoadSettings(path string) (Settings, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultSettings(), "koanf"), nil); err != nil {
		return Settings{}, fmt.Errorf("audit: load default settings: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Settings{}, fmt.Errorf("audit: load config file %s: %w", path, err)
		}
	}
	envKey := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "AUDIT_"))
	}
	if err := k.Load(env.Provider("AUDIT_", ".", envKey), nil); err != nil {
		return Settings{}, fmt.Errorf("audit: load environment: %w", err)
	}
	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return Settings{}, fmt.Errorf("audit: decode settings: %w", err)
	}
	return s, nil
}

// Options converts s into Logger options. When an encryption key is present
// an AESGCMEncryption built from it is installed.
func (s Settings) Options() ([]Option, error) {
	opts := []Option{
		WithMaxLogSize(s.MaxLogSize),
		WithRetentionDays(s.RetentionDays),
		WithBatchSize(s.BatchSize),
		WithFlushInterval(s.FlushInterval),
		WithEncryptLogs(s.EncryptLogs),
		WithValidateIntegrity(s.ValidateIntegrity),
		WithRealTimeAlerts(s.EnableRealTimeAlerts),
		WithLogSensitiveData(s.LogSensitiveData),
		WithSlotName(s.SlotName),
		WithRetry(s.RetryCount, s.RetryDelay),
		WithSpilloverDir(s.SpilloverDir),
		WithMaintenanceSchedule(s.MaintenanceSchedule),
	}
	if s.EncryptionKey != "" {
		enc, err := NewAESGCMEncryptionFromBase64(s.EncryptionKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, func(c *Config) { c.Encryption = enc })
	}
	return opts, nil
}

// LoadConfigFromEnv loads Logger options from AUDIT_* environment variables
// on top of the defaults.
//
// Supported variables:
//   - AUDIT_MAX_LOG_SIZE, AUDIT_RETENTION_DAYS, AUDIT_BATCH_SIZE (integers)
//   - AUDIT_FLUSH_INTERVAL, AUDIT_RETRY_DELAY (durations, e.g. "30s")
//   - AUDIT_ENCRYPT_LOGS, AUDIT_VALIDATE_INTEGRITY,
//     AUDIT_ENABLE_REAL_TIME_ALERTS, AUDIT_LOG_SENSITIVE_DATA (booleans)
//   - AUDIT_ENCRYPTION_KEY: base64 AES key
//   - AUDIT_SLOT_NAME, AUDIT_SPILLOVER_DIR, AUDIT_MAINTENANCE_SCHEDULE
//   - AUDIT_RETRY_COUNT (integer)
//
// Options given after these in NewLogger take precedence.
func LoadConfigFromEnv() ([]Option, error) {
	return LoadConfigFile("")
}

// LoadConfigFile is LoadConfigFromEnv with a YAML file layered between the
// defaults and the environment.
func LoadConfigFile(path string) ([]Option, error) {
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	return s.Options()
}
