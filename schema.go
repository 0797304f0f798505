package audit

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DetailSchema defines additional validation rules for the Details map of a
// given event type.
//
// Fields:
//   - RequiredFields: keys that must be present in Details
//   - FieldTypes: type constraints for specific keys (nil values allow any type)
//
// Example:
//
//	audit.WithDetailSchema(audit.EventCrisisAlert, audit.DetailSchema{
//	    RequiredFields: []string{"severity"},
//	    FieldTypes: map[string]reflect.Type{
//	        "severity": reflect.TypeOf(""),
//	    },
//	})
type DetailSchema struct {
	RequiredFields []string
	FieldTypes     map[string]reflect.Type
}

// requiredFields lists every field that must be present on a persisted event,
// in the order they are reported by the integrity scan.
var requiredFields = []string{
	"eventId", "timestamp", "eventType", "outcome", "userRole", "sessionId",
	"sourceIP", "userAgent", "sourceSystem", "resourceType", "phiAccessed",
	"action", "description", "riskLevel",
}

// enumerated is implemented by every closed-set field type.
type enumerated interface{ Valid() bool }

// newStructValidator builds the validator used for both ingestion and the
// integrity scan. Errors name fields by their JSON tag.
func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("enum", func(fl validator.FieldLevel) bool {
		e, ok := fl.Field().Interface().(enumerated)
		return ok && e.Valid()
	})
	return v
}

// Validator checks candidate events and stamps them with an id and timestamp.
// It never touches the buffer or the store. A Validator is safe for
// concurrent use.
type Validator struct {
	structs *validator.Validate
	schemas map[EventType]DetailSchema

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewValidator returns a Validator enforcing the given detail schemas in
// addition to the fixed required-field and enum rules.
func NewValidator(schemas map[EventType]DetailSchema) *Validator {
	return &Validator{
		structs: newStructValidator(),
		schemas: schemas,
		now:     time.Now,
	}
}

// Prepare validates evt and, on success, returns a copy carrying a fresh
// EventID (UUIDv7, time ordered) and Timestamp. Failures are *ValidationError.
func (v *Validator) Prepare(evt AuditEvent) (AuditEvent, error) {
	if err := v.check(evt); err != nil {
		return AuditEvent{}, err
	}
	if err := v.checkDetails(evt); err != nil {
		return AuditEvent{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return AuditEvent{}, fmt.Errorf("audit: generate event id: %w", err)
	}
	out := evt.clone()
	out.EventID = id.String()
	out.Timestamp = v.stamp().Format(TimestampLayout)
	return out, nil
}

// stamp returns the current instant truncated to milliseconds, clamped so it
// never goes backwards within this process.
func (v *Validator) stamp() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	t := v.now().UTC().Truncate(time.Millisecond)
	if t.Before(v.last) {
		t = v.last
	}
	v.last = t
	return t
}

// check applies the struct rules and the clinical-data rule.
func (v *Validator) check(evt AuditEvent) error {
	if err := v.structs.Struct(evt); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "required" {
				return &ValidationError{Field: fe.Field(), Reason: "is required"}
			}
			return &ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("has invalid value %q", fmt.Sprint(fe.Value()))}
		}
		return &ValidationError{Field: "event", Reason: err.Error()}
	}
	if evt.ResourceType.Clinical() && !evt.PHIAccessed {
		return &ValidationError{
			Field:  "phiAccessed",
			Reason: fmt.Sprintf("must be true for resourceType %s", evt.ResourceType),
		}
	}
	return nil
}

// checkDetails enforces the DetailSchema registered for the event type, if any.
func (v *Validator) checkDetails(evt AuditEvent) error {
	s, ok := v.schemas[evt.EventType]
	if !ok {
		return nil
	}
	for _, key := range s.RequiredFields {
		val, exists := evt.Details[key]
		if !exists {
			return &ValidationError{Field: "details." + key, Reason: "is required"}
		}
		if want, ok := s.FieldTypes[key]; ok && want != nil {
			if got := reflect.TypeOf(val); got != want {
				return &ValidationError{
					Field:  "details." + key,
					Reason: fmt.Sprintf("has wrong type, expected %v, got %v", want, got),
				}
			}
		}
	}
	return nil
}
