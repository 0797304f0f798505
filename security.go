/*
Package audit security helpers:
- Encryption of the persisted event log (EncryptionService, AES-GCM)
- Redaction of sensitive keys in event details
- Access control for read operations on the audit trail

The engine only depends on the EncryptionService contract: Encrypt and Decrypt
must round-trip losslessly. AESGCMEncryption is the implementation shipped with
the package.
*/
package audit

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// EncryptionService encrypts and decrypts the serialized event log as an
// opaque blob. The envelope format is owned by the implementation.
type EncryptionService interface {
	Encrypt(ctx context.Context, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, envelope string) ([]byte, error)
}

// GenerateAESKey creates a cryptographically secure 256-bit AES key suitable
// for NewAESGCMEncryption. The key is generated using crypto/rand.
//
// Returns:
//   - []byte: 32-byte AES-256 key
//   - error:  Any error during random number generation
func GenerateAESKey() ([]byte, error) {
	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate AES key: %w", err)
	}
	return key, nil
}

// AESGCMEncryption implements EncryptionService with AES-GCM. Envelopes are
// base64(nonce || ciphertext || tag).
type AESGCMEncryption struct {
	aead cipher.AEAD
}

// NewAESGCMEncryption builds an AESGCMEncryption from a 16, 24 or 32 byte key.
func NewAESGCMEncryption(key []byte) (*AESGCMEncryption, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AESGCMEncryption{aead: gcm}, nil
}

// NewAESGCMEncryptionFromBase64 decodes a standard base64 key, as found in
// AUDIT_ENCRYPTION_KEY, and builds an AESGCMEncryption from it.
func NewAESGCMEncryptionFromBase64(encoded string) (*AESGCMEncryption, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	return NewAESGCMEncryption(key)
}

// Encrypt seals plaintext under a fresh random nonce.
func (e *AESGCMEncryption) Encrypt(_ context.Context, plaintext []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt. Tampered or truncated
// envelopes fail authentication.
func (e *AESGCMEncryption) Decrypt(_ context.Context, envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	ns := e.aead.NonceSize()
	if len(raw) < ns+e.aead.Overhead() {
		return nil, errors.New("envelope too short")
	}
	plain, err := e.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open envelope: %w", err)
	}
	return plain, nil
}

// Sanitizer rewrites a single detail value before the event is buffered.
type Sanitizer func(key string, value any) any

// defaultSanitizers are applied to event details when sensitive data logging
// is disabled. Keys are matched case-insensitively.
//   - "email": keeps the first character of the local part
//   - everything else: replaced with a fixed mask
var defaultSanitizers = map[string]Sanitizer{
	"email": func(_ string, value any) any {
		if v, ok := value.(string); ok {
			parts := strings.Split(v, "@")
			if len(parts) == 2 && len(parts[0]) > 0 {
				return parts[0][:1] + "****@" + parts[1]
			}
		}
		return redacted
	},
	"password":    mask,
	"ssn":         mask,
	"dateofbirth": mask,
	"dob":         mask,
	"phone":       mask,
	"address":     mask,
}

const redacted = "****"

func mask(string, any) any { return redacted }

// sanitizeDetails returns a copy of details with sensitive keys redacted.
// A nil map is returned unchanged.
func sanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if s, ok := defaultSanitizers[strings.ToLower(k)]; ok {
			out[k] = s(k, v)
			continue
		}
		out[k] = v
	}
	return out
}

// AccessControlFunc decides whether the caller behind ctx may read the audit
// trail. It returns nil to grant access.
type AccessControlFunc func(ctx context.Context) error

// ErrAccessDenied is returned by AdminOnly.
var ErrAccessDenied = errors.New("audit: access denied: insufficient permissions")

// AdminOnly grants access only when ctx carries a RequestContext whose role
// is admin.
func AdminOnly(ctx context.Context) error {
	rc, ok := RequestContextFrom(ctx)
	if !ok || rc.UserRole != RoleAdmin {
		return ErrAccessDenied
	}
	return nil
}
