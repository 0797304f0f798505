package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// IntegrityReport is the result of ValidateIntegrity. Errors has one entry per
// problem found, in the form "<issue> at index <i>".
type IntegrityReport struct {
	IsValid   bool     `json:"isValid"`
	Errors    []string `json:"errors"`
	TotalLogs int      `json:"totalLogs"`
}

const unreadablePayload = "store payload unreadable"

// ValidateIntegrity scans the persisted log and reports every entry that
// violates the event schema. It never modifies the store.
//
// Unlike the other read operations, it does not treat an unreadable or
// undecryptable slot as empty: such a slot yields an invalid report with a
// single "store payload unreadable" error. A store that cannot be reached at
// all is returned as a *PersistenceError.
func (l *Logger) ValidateIntegrity(ctx context.Context) (IntegrityReport, error) {
	if err := l.checkAlive("ValidateIntegrity"); err != nil {
		return IntegrityReport{}, err
	}
	if err := l.authorize(ctx); err != nil {
		return IntegrityReport{}, err
	}

	l.storeMu.Lock()
	raw, err := l.gw.loadRaw(ctx)
	l.storeMu.Unlock()
	if errors.Is(err, errUnreadable) {
		l.logger.Warn("integrity check could not read the audit log", zap.Error(err))
		return IntegrityReport{Errors: []string{unreadablePayload}}, nil
	}
	if err != nil {
		return IntegrityReport{}, err
	}

	report := scanEntries(l.validator, raw)
	if !report.IsValid {
		l.logger.Warn("audit log integrity violations found",
			zap.Int("total_logs", report.TotalLogs),
			zap.Int("violations", len(report.Errors)),
		)
	}
	return report, nil
}

// scanEntries checks every element of the plaintext JSON array raw.
func scanEntries(v *Validator, raw json.RawMessage) IntegrityReport {
	report := IntegrityReport{Errors: []string{}}
	if len(raw) == 0 {
		report.IsValid = true
		return report
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		report.Errors = append(report.Errors, unreadablePayload)
		return report
	}
	report.TotalLogs = len(entries)

	seen := make(map[string]int, len(entries))
	for i, entry := range entries {
		for _, issue := range checkEntry(v, entry, seen, i) {
			report.Errors = append(report.Errors, fmt.Sprintf("%s at index %d", issue, i))
		}
	}
	report.IsValid = len(report.Errors) == 0
	return report
}

// checkEntry returns the issues found in one stored entry. seen tracks event
// ids already encountered.
func checkEntry(v *Validator, entry json.RawMessage, seen map[string]int, index int) []string {
	var fields map[string]any
	if err := json.Unmarshal(entry, &fields); err != nil || fields == nil {
		return []string{"malformed entry"}
	}

	var issues []string
	missing := make(map[string]bool)
	for _, name := range requiredFields {
		val, ok := fields[name]
		if !ok || val == nil || val == "" {
			issues = append(issues, "missing "+name)
			missing[name] = true
		}
	}
	if val, ok := fields["phiAccessed"]; ok && val != nil {
		if _, isBool := val.(bool); !isBool {
			issues = append(issues, "invalid phiAccessed")
			missing["phiAccessed"] = true
		}
	}

	// Type mismatches leave the rest of evt decoded.
	var evt AuditEvent
	if err := json.Unmarshal(entry, &evt); err != nil {
		var ute *json.UnmarshalTypeError
		if !errors.As(err, &ute) {
			return append(issues, "malformed entry")
		}
		if !missing[ute.Field] {
			issues = append(issues, "invalid "+ute.Field)
			missing[ute.Field] = true
		}
	}

	if err := v.structs.Struct(evt); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Tag() == "enum" && !missing[fe.Field()] {
					issues = append(issues, "invalid "+fe.Field())
				}
			}
		}
	}
	if !missing["timestamp"] {
		if _, err := parseTimestamp(evt.Timestamp); err != nil {
			issues = append(issues, "invalid timestamp")
		}
	}
	if evt.EventID != "" {
		if first, dup := seen[evt.EventID]; dup {
			issues = append(issues, fmt.Sprintf("duplicate eventId (first at index %d)", first))
		} else {
			seen[evt.EventID] = index
		}
	}
	if evt.ResourceType.Clinical() && !evt.PHIAccessed && !missing["phiAccessed"] {
		issues = append(issues, "clinical resourceType without phiAccessed")
	}
	return issues
}
