package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/hkdf"

	dErrors "hookbridge/pkg/domain-errors"
)

// Generate creates a cryptographically secure random secret.
// Returns a base64-encoded string suitable for CSRF tokens, callback nonces, etc.
func Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "could not generate secret")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DeriveKey derives a purpose-bound key from a master secret using HKDF-SHA256.
// Distinct purposes yield independent keys, so one configured secret can back
// both state signing and any future signing concern without key reuse.
func DeriveKey(master []byte, purpose string, size int) ([]byte, error) {
	if len(master) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "master secret cannot be empty")
	}
	if size <= 0 {
		size = 32
	}
	key := make([]byte, size)
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not derive key")
	}
	return key, nil
}
