// Package audit implements a compliance audit-trail engine for HIPAA-regulated
// applications. It records every security- and PHI-relevant action, buffers
// events and flushes them to durable storage in batches, enforces a multi-year
// retention window, detects corruption of the persisted log, escalates critical
// events in real time, and answers filtered and statistical queries.
//
// Core Concepts:
//
//   - AuditEvent: a single entry of the trail. EventID (a UUIDv7) and
//     Timestamp (UTC, millisecond precision, never decreasing within a process)
//     are stamped at ingestion. EventType, Outcome, UserRole, ResourceType and
//     RiskLevel are closed sets; a value outside them is rejected.
//
//   - Logger: the engine. A Logger is created with NewLogger and functional
//     Options, and is destroyed with Destroy. There is no package-level
//     instance.
//
//   - Store: the durable medium. The whole log lives in one named slot and is
//     replaced as a unit on every write. MemoryStore, SQLStore (SQLite or
//     PostgreSQL), RedisStore and S3Store are provided.
//
//   - EncryptionService: optional cipher in front of the Store.
//     AESGCMEncryption is provided.
//
// Event Flow:
//
// LogEvent validates the event and stamps it, redacts sensitive detail keys
// unless LogSensitiveData is set, hands critical events to the alert sinks,
// and appends the event to the buffer. The buffer moves through the states
// Idle, Accumulating and Flushing:
//
//  1. Reaching BatchSize buffered events triggers a flush.
//  2. A timer (FlushInterval) flushes whenever the buffer is non-empty.
//  3. Flush persists the buffer on demand; it is a no-op when the buffer is
//     empty.
//  4. Destroy stops the timer, flushes one last time and moves the Logger to
//     its terminal state.
//
// Concurrent triggers collapse into one in-flight flush. A flush writes a
// consistent snapshot of the buffer and only removes those events once the
// store accepted them, so a failed flush leaves them queued. When the store
// would exceed MaxLogSize, the oldest persisted events are evicted.
//
// Failure Handling:
//
// Validation failures (*ValidationError) and calls after Destroy
// (*LifecycleError) are returned to the caller. Store failures
// (*PersistenceError) are returned from Flush; automatic flushes retry with
// exponential backoff, are logged, and leave the events buffered. If the
// buffer then outgrows MaxLogSize the oldest events are dropped, counted in
// Stats, and spilled to SpilloverDir when one is configured. A circuit breaker
// pauses automatic flushes against a store that keeps failing.
//
// Critical alerts fire before an event can be affected by any persistence
// problem. Sink errors and panics are contained.
//
// Reading the Trail:
//
// GetLogs, GetStatistics, CleanupOldLogs and ValidateIntegrity read the
// persisted log, not the buffer. An unreadable slot is treated as empty by
// all of them except ValidateIntegrity, which reports it. Reads can be guarded
// with WithAccessControl, for example AdminOnly.
//
// Usage:
//
//	key, _ := audit.GenerateAESKey()
//	enc, _ := audit.NewAESGCMEncryption(key)
//	store, _ := audit.OpenSQLiteStore("/var/lib/app/audit.db")
//	logger, err := audit.NewLogger(
//	    audit.WithStore(store),
//	    audit.WithEncryption(enc),
//	    audit.WithLogger(zapLogger),
//	    audit.WithMetricsRegisterer(prometheus.DefaultRegisterer),
//	)
//	if err != nil {
//	    return err
//	}
//	defer logger.Destroy(context.Background())
//
//	rc := audit.RequestContext{
//	    SessionID: sid, SourceIP: ip, UserAgent: ua,
//	    SourceSystem: "web", UserRole: audit.RoleProvider,
//	}
//	logger.LogPHIAccess(ctx, userID, audit.ResourcePatientRecord, recordID, "view_patient_record", rc)
//
// Multiple Writers:
//
// Two Logger instances flushing to the same Store slot are not coordinated;
// the later write wins and can discard the other's events. Run one Logger per
// slot, or serialize access to the store outside this package.
package audit
