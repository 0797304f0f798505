package audit

import (
	"context"
	"time"
)

// TimestampLayout is the ISO-8601 layout used for AuditEvent.Timestamp.
// Timestamps are always UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// EventType identifies the kind of an audit event.
// It is a closed set; values outside the constants below fail validation.
type EventType string

// Event types recognised by the engine.
const (
	EventAuthentication      EventType = "authentication"
	EventAuthorization       EventType = "authorization"
	EventDataAccess          EventType = "data_access"
	EventDataModification    EventType = "data_modification"
	EventDataExport          EventType = "data_export"
	EventCrisisAlert         EventType = "crisis_alert"
	EventSecurity            EventType = "security_event"
	EventConfigurationChange EventType = "configuration_change"
	EventSystem              EventType = "system_event"
	EventUserManagement      EventType = "user_management"
)

var eventTypes = map[EventType]struct{}{
	EventAuthentication:      {},
	EventAuthorization:       {},
	EventDataAccess:          {},
	EventDataModification:    {},
	EventDataExport:          {},
	EventCrisisAlert:         {},
	EventSecurity:            {},
	EventConfigurationChange: {},
	EventSystem:              {},
	EventUserManagement:      {},
}

// Valid reports whether t belongs to the closed set of event types.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// Outcome records whether the audited action succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Valid reports whether o is success or failure.
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// UserRole is the role of the actor behind an event.
type UserRole string

const (
	RolePatient   UserRole = "patient"
	RoleProvider  UserRole = "provider"
	RoleSupporter UserRole = "supporter"
	RoleAdmin     UserRole = "admin"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	switch r {
	case RolePatient, RoleProvider, RoleSupporter, RoleAdmin:
		return true
	}
	return false
}

// ResourceType identifies the kind of resource an event touched.
type ResourceType string

const (
	ResourcePatientRecord       ResourceType = "patient_record"
	ResourceAssessmentData      ResourceType = "assessment_data"
	ResourceCrisisPlan          ResourceType = "crisis_plan"
	ResourceTreatmentPlan       ResourceType = "treatment_plan"
	ResourceClinicalNote        ResourceType = "clinical_note"
	ResourceUserAccount         ResourceType = "user_account"
	ResourceSystemConfiguration ResourceType = "system_configuration"
	ResourceAuditLog            ResourceType = "audit_log"
)

// resourceTypes maps every known resource type to whether it holds clinical data.
var resourceTypes = map[ResourceType]bool{
	ResourcePatientRecord:       true,
	ResourceAssessmentData:      true,
	ResourceCrisisPlan:          true,
	ResourceTreatmentPlan:       true,
	ResourceClinicalNote:        true,
	ResourceUserAccount:         false,
	ResourceSystemConfiguration: false,
	ResourceAuditLog:            false,
}

// Valid reports whether rt is a known resource type.
func (rt ResourceType) Valid() bool {
	_, ok := resourceTypes[rt]
	return ok
}

// Clinical reports whether rt holds clinical data, in which case any event
// touching it must be flagged as a PHI access.
func (rt ResourceType) Clinical() bool {
	return resourceTypes[rt]
}

// RiskLevel grades the sensitivity of an event. Critical events are handed to
// the alert dispatcher at ingestion time.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether l is a known risk level.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// AuditEvent is a single entry of the compliance audit trail.
//
// EventID and Timestamp are stamped by the engine at ingestion; any values the
// caller supplies for them are overwritten. UserID, ResourceID, TraceID and
// Details are optional and omitted from the serialized form when empty.
// Once persisted an event is never mutated.
type AuditEvent struct {
	EventID      string         `json:"eventId"`
	Timestamp    string         `json:"timestamp"`
	EventType    EventType      `json:"eventType" validate:"required,enum"`
	Outcome      Outcome        `json:"outcome" validate:"required,enum"`
	UserID       string         `json:"userId,omitempty"`
	UserRole     UserRole       `json:"userRole" validate:"required,enum"`
	SessionID    string         `json:"sessionId" validate:"required"`
	SourceIP     string         `json:"sourceIP" validate:"required"`
	UserAgent    string         `json:"userAgent" validate:"required"`
	SourceSystem string         `json:"sourceSystem" validate:"required"`
	ResourceType ResourceType   `json:"resourceType" validate:"required,enum"`
	ResourceID   string         `json:"resourceId,omitempty"`
	PHIAccessed  bool           `json:"phiAccessed"`
	Action       string         `json:"action" validate:"required"`
	Description  string         `json:"description" validate:"required"`
	RiskLevel    RiskLevel      `json:"riskLevel" validate:"required,enum"`
	TraceID      string         `json:"traceId,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Time parses the event timestamp. The zero time and an error are returned
// when the stored value is not a valid ISO-8601 instant.
func (e AuditEvent) Time() (time.Time, error) {
	return parseTimestamp(e.Timestamp)
}

// parseTimestamp accepts the engine's own layout and any RFC 3339 value, so
// entries written by other tooling still sort and filter correctly.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// clone returns a copy of e whose Details map is not shared with e.
func (e AuditEvent) clone() AuditEvent {
	if e.Details != nil {
		d := make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			d[k] = v
		}
		e.Details = d
	}
	return e
}

// RequestContext carries the contextual, non-PHI fields that the convenience
// wrappers (LogAuthentication, LogPHIAccess, LogCrisisEvent) copy onto the
// events they build.
type RequestContext struct {
	SessionID    string
	SourceIP     string
	UserAgent    string
	SourceSystem string
	UserRole     UserRole
	Details      map[string]any
}

// requestContextKey is the context key under which a RequestContext is stored.
type requestContextKey struct{}

// WithRequestContext attaches rc to ctx. Route handlers typically call it once
// per request so that access-control checks such as AdminOnly can see the
// caller's role.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the RequestContext stored in ctx and whether one
// was present.
func RequestContextFrom(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}
