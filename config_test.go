package audit

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings("")
	require.NoError(t, err)

	d := DefaultConfig()
	assert.Equal(t, d.MaxLogSize, s.MaxLogSize)
	assert.Equal(t, d.RetentionDays, s.RetentionDays)
	assert.Equal(t, d.BatchSize, s.BatchSize)
	assert.Equal(t, d.FlushInterval, s.FlushInterval)
	assert.True(t, s.EncryptLogs)
	assert.Equal(t, "hipaa_audit_logs", s.SlotName)
	assert.Equal(t, "@daily", s.MaintenanceSchedule)
}

func TestLoadSettingsFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
batch_size: 10
max_log_size: 500
flush_interval: 5s
encrypt_logs: false
slot_name: clinic_audit
`), 0o600))

	t.Setenv("AUDIT_BATCH_SIZE", "25")
	t.Setenv("AUDIT_RETRY_DELAY", "250ms")

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 25, s.BatchSize, "environment overrides the file")
	assert.Equal(t, 500, s.MaxLogSize)
	assert.Equal(t, 5*time.Second, s.FlushInterval)
	assert.Equal(t, 250*time.Millisecond, s.RetryDelay)
	assert.False(t, s.EncryptLogs)
	assert.Equal(t, "clinic_audit", s.SlotName)
	assert.Equal(t, DefaultConfig().RetentionDays, s.RetentionDays)
}

func TestLoadSettingsMissingFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSettingsOptionsBuildLogger(t *testing.T) {
	key, err := GenerateAESKey()
	require.NoError(t, err)
	t.Setenv("AUDIT_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(key))
	t.Setenv("AUDIT_FLUSH_INTERVAL", "0s")
	t.Setenv("AUDIT_SLOT_NAME", "env_slot")

	opts, err := LoadConfigFromEnv()
	require.NoError(t, err)

	store := NewMemoryStore()
	l, err := NewLogger(append(opts, WithStore(store))...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Destroy(adminCtx()) })

	assert.Equal(t, "env_slot", l.cfg.SlotName)
	assert.True(t, l.cfg.EncryptLogs)
	_, ok := l.cfg.Encryption.(*AESGCMEncryption)
	assert.True(t, ok)

	_, err = l.LogEvent(adminCtx(), validEvent())
	require.NoError(t, err)
	require.NoError(t, l.Flush(adminCtx()))

	raw, err := store.Load(adminCtx(), "env_slot")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "patient-42")
}

func TestSettingsRejectBadKey(t *testing.T) {
	t.Setenv("AUDIT_ENCRYPTION_KEY", "not base64!")
	_, err := LoadConfigFromEnv()
	assert.Error(t, err)

	t.Setenv("AUDIT_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
	_, err = LoadConfigFromEnv()
	assert.Error(t, err)
}

func TestEncryptionRequiresService(t *testing.T) {
	_, err := NewLogger(WithFlushInterval(0))
	assert.Error(t, err, "encryption is on by default and needs a service")
}
