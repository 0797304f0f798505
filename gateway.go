package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// SchemaVersion is the version written into every slot record.
const SchemaVersion = 1

// slotRecord is the serialized form of a slot. Exactly one of Events and
// Payload is set, depending on Encrypted.
type slotRecord struct {
	Version   int             `json:"version"`
	Encrypted bool            `json:"encrypted"`
	Events    json.RawMessage `json:"events,omitempty"`
	Payload   string          `json:"payload,omitempty"`
}

// errUnreadable marks slot content that cannot be parsed or decrypted.
var errUnreadable = errors.New("slot content unreadable")

// gateway reads and writes the whole event log through a Store, routing it
// through an EncryptionService when encryption is enabled.
type gateway struct {
	store   Store
	slot    string
	crypter EncryptionService // nil when encryption is disabled
	logger  *zap.Logger
}

// load returns the persisted events in stored order. Unreadable content is
// logged and treated as an empty store; an unavailable store or an unknown
// schema version is a *PersistenceError.
func (g *gateway) load(ctx context.Context) ([]AuditEvent, error) {
	raw, err := g.loadRaw(ctx)
	if errors.Is(err, errUnreadable) {
		g.logger.Warn("audit log unreadable, treating as empty", zap.String("slot", g.slot), zap.Error(err))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var events []AuditEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		g.logger.Warn("audit log entries malformed, treating as empty", zap.String("slot", g.slot), zap.Error(err))
		return nil, nil
	}
	return events, nil
}

// loadRaw returns the plaintext JSON array stored in the slot, or nil when the
// slot is empty. Content problems are reported wrapping errUnreadable.
func (g *gateway) loadRaw(ctx context.Context) (json.RawMessage, error) {
	data, err := g.store.Load(ctx, g.slot)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	if len(data) == 0 {
		return nil, nil
	}

	var rec slotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnreadable, err)
	}
	if rec.Version > SchemaVersion {
		return nil, &PersistenceError{Op: "load", Err: fmt.Errorf("unsupported schema version %d", rec.Version)}
	}
	if !rec.Encrypted {
		return rec.Events, nil
	}
	if g.crypter == nil {
		return nil, fmt.Errorf("%w: slot is encrypted but no encryption service is configured", errUnreadable)
	}
	plain, err := g.crypter.Decrypt(ctx, rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnreadable, err)
	}
	return plain, nil
}

// save replaces the slot with events.
func (g *gateway) save(ctx context.Context, events []AuditEvent) error {
	if events == nil {
		events = []AuditEvent{}
	}
	plain, err := json.Marshal(events)
	if err != nil {
		return &PersistenceError{Op: "encode", Err: err}
	}
	rec := slotRecord{Version: SchemaVersion}
	if g.crypter != nil {
		env, err := g.crypter.Encrypt(ctx, plain)
		if err != nil {
			return &PersistenceError{Op: "encrypt", Err: err}
		}
		rec.Encrypted = true
		rec.Payload = env
	} else {
		rec.Events = plain
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return &PersistenceError{Op: "encode", Err: err}
	}
	if err := g.store.Save(ctx, g.slot, data); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}
