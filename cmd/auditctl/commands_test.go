package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "github.com/dr4tinymous/hipaa-audit"
)

func sampleEvent(user string, et audit.EventType) audit.AuditEvent {
	evt := audit.AuditEvent{
		EventType:    et,
		Outcome:      audit.OutcomeSuccess,
		UserID:       user,
		UserRole:     audit.RoleProvider,
		SessionID:    "sess-1",
		SourceIP:     "10.0.0.1",
		UserAgent:    "cli-test",
		SourceSystem: "web",
		ResourceType: audit.ResourcePatientRecord,
		ResourceID:   "patient-1",
		PHIAccessed:  true,
		Action:       "view_patient_record",
		Description:  "Viewed record",
		RiskLevel:    audit.RiskMedium,
	}
	if et == audit.EventAuthentication {
		evt.ResourceType = audit.ResourceUserAccount
		evt.PHIAccessed = false
		evt.Action = "login"
		evt.RiskLevel = audit.RiskLow
	}
	return evt
}

// seedDatabase writes events to a fresh SQLite database through the audit
// package and returns its path.
func seedDatabase(t *testing.T, events ...audit.AuditEvent) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := audit.OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	l, err := audit.NewLogger(audit.WithStore(store), audit.WithEncryptLogs(false), audit.WithFlushInterval(0))
	require.NoError(t, err)
	ctx := context.Background()
	for _, evt := range events {
		_, err := l.LogEvent(ctx, evt)
		require.NoError(t, err)
	}
	require.NoError(t, l.Destroy(ctx))
	return path
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("AUDIT_ENCRYPT_LOGS", "false")
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVerify(t *testing.T) {
	db := seedDatabase(t, sampleEvent("alice", audit.EventDataAccess), sampleEvent("bob", audit.EventAuthentication))

	code, out, _ := run(t, "--sqlite", db, "verify")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "checked 2 events")
	assert.Contains(t, out, "OK")
}

func TestVerifyCorruptedSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := audit.OpenSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "hipaa_audit_logs", []byte("{not json")))
	require.NoError(t, store.Close())

	code, out, stderr := run(t, "--sqlite", path, "verify", "-o", "json")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "integrity check failed")

	var report audit.IntegrityReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.IsValid)
	assert.Equal(t, []string{"store payload unreadable"}, report.Errors)
}

func TestStatsJSON(t *testing.T) {
	db := seedDatabase(t,
		sampleEvent("alice", audit.EventDataAccess),
		sampleEvent("alice", audit.EventAuthentication),
		sampleEvent("bob", audit.EventDataAccess),
	)

	code, out, _ := run(t, "--sqlite", db, "-o", "json", "stats")
	require.Equal(t, 0, code)

	var stats audit.Statistics
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, 2, stats.PHIAccessCount)
	assert.Equal(t, 2, stats.UniqueUsers)
	assert.Equal(t, 2, stats.EventsByType[audit.EventDataAccess])
}

func TestStatsTable(t *testing.T) {
	db := seedDatabase(t, sampleEvent("alice", audit.EventDataAccess))

	code, out, _ := run(t, "--sqlite", db, "stats")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "total events")
	assert.Contains(t, out, "type data_access")
}

func TestLogsFilters(t *testing.T) {
	db := seedDatabase(t,
		sampleEvent("alice", audit.EventDataAccess),
		sampleEvent("bob", audit.EventAuthentication),
		sampleEvent("alice", audit.EventAuthentication),
	)

	code, out, _ := run(t, "--sqlite", db, "-o", "json", "logs", "--user", "alice")
	require.Equal(t, 0, code)
	var events []audit.AuditEvent
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventAuthentication, events[0].EventType, "newest first")

	code, out, _ = run(t, "--sqlite", db, "-o", "json", "logs", "--phi", "false")
	require.Equal(t, 0, code)
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	assert.Len(t, events, 2)

	code, out, _ = run(t, "--sqlite", db, "logs", "--limit", "1")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "TIMESTAMP")
	assert.Contains(t, out, "login")

	code, _, stderr := run(t, "--sqlite", db, "logs", "--type", "coffee_break")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown event type")
}

func TestSweep(t *testing.T) {
	db := seedDatabase(t, sampleEvent("alice", audit.EventDataAccess))

	code, out, _ := run(t, "--sqlite", db, "sweep")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "removed 0 events")

	code, _, _ = run(t, "--sqlite", db, "sweep", "--days=-3")
	assert.Equal(t, 1, code)
}

func TestStoreSelection(t *testing.T) {
	code, _, stderr := run(t, "verify")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no store selected")

	code, _, stderr = run(t, "--sqlite", "a.db", "--redis", "localhost:6379", "verify")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "only one store")
}
