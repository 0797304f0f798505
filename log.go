package audit

import (
	"context"
)

// Convenience wrappers
//
// The wrappers below build fully-formed events for the three actions every
// route handler audits. Contextual fields (session, source IP, user agent,
// source system, role and extra details) come from the RequestContext passed
// in; when rc is the zero value, the RequestContext attached to ctx with
// WithRequestContext is used instead.

// LogAuthentication records a login attempt for userID.
//
// A failed attempt is logged at medium risk, a successful one at low risk.
// Authentication never touches PHI.
//
// Parameters:
//   - ctx: The request context, optionally carrying a span and a RequestContext.
//   - userID: The account that attempted to authenticate.
//   - outcome: OutcomeSuccess or OutcomeFailure.
//   - rc: Session and client fields copied onto the event.
//
// Returns:
//   - string: The generated event id.
//   - error: A *ValidationError or *LifecycleError.
func (l *Logger) LogAuthentication(ctx context.Context, userID string, outcome Outcome, rc RequestContext) (string, error) {
	rc = resolveRequestContext(ctx, rc)
	risk := RiskLow
	description := "User authenticated"
	if outcome == OutcomeFailure {
		risk = RiskMedium
		description = "Authentication attempt failed"
	}
	return l.LogEvent(ctx, AuditEvent{
		EventType:    EventAuthentication,
		Outcome:      outcome,
		UserID:       userID,
		UserRole:     rc.UserRole,
		SessionID:    rc.SessionID,
		SourceIP:     rc.SourceIP,
		UserAgent:    rc.UserAgent,
		SourceSystem: rc.SourceSystem,
		ResourceType: ResourceUserAccount,
		ResourceID:   userID,
		PHIAccessed:  false,
		Action:       "login",
		Description:  description,
		RiskLevel:    risk,
		Details:      rc.Details,
	})
}

// LogPHIAccess records a successful access to protected health information.
// The event is always flagged phiAccessed and logged at medium risk.
func (l *Logger) LogPHIAccess(ctx context.Context, userID string, rt ResourceType, resourceID, action string, rc RequestContext) (string, error) {
	rc = resolveRequestContext(ctx, rc)
	return l.LogEvent(ctx, AuditEvent{
		EventType:    EventDataAccess,
		Outcome:      OutcomeSuccess,
		UserID:       userID,
		UserRole:     rc.UserRole,
		SessionID:    rc.SessionID,
		SourceIP:     rc.SourceIP,
		UserAgent:    rc.UserAgent,
		SourceSystem: rc.SourceSystem,
		ResourceType: rt,
		ResourceID:   resourceID,
		PHIAccessed:  true,
		Action:       action,
		Description:  "Accessed " + string(rt),
		RiskLevel:    RiskMedium,
		Details:      rc.Details,
	})
}

// LogCrisisEvent records an action on a crisis plan. Crisis events are
// critical, so the alert sinks see them before LogCrisisEvent returns.
func (l *Logger) LogCrisisEvent(ctx context.Context, userID, action string, outcome Outcome, rc RequestContext) (string, error) {
	rc = resolveRequestContext(ctx, rc)
	return l.LogEvent(ctx, AuditEvent{
		EventType:    EventCrisisAlert,
		Outcome:      outcome,
		UserID:       userID,
		UserRole:     rc.UserRole,
		SessionID:    rc.SessionID,
		SourceIP:     rc.SourceIP,
		UserAgent:    rc.UserAgent,
		SourceSystem: rc.SourceSystem,
		ResourceType: ResourceCrisisPlan,
		PHIAccessed:  true,
		Action:       action,
		Description:  "Crisis event: " + action,
		RiskLevel:    RiskCritical,
		Details:      rc.Details,
	})
}

func resolveRequestContext(ctx context.Context, rc RequestContext) RequestContext {
	if rc.SessionID != "" || rc.UserRole != "" {
		return rc
	}
	if from, ok := RequestContextFrom(ctx); ok {
		return from
	}
	return rc
}
