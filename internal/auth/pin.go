package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// PIN hashing parameters: argon2id, t=3, m=64 MiB, p=1, 32-byte salt and key.
const (
	pinTime    = 3
	pinMemory  = 64 * 1024
	pinThreads = 1
	pinSaltLen = 32
	pinKeyLen  = 32
)

// ErrMalformedHash is returned when a stored PIN hash cannot be parsed.
var ErrMalformedHash = errors.New("malformed pin hash")

// PinVerifier checks a PIN against a stored hash.
type PinVerifier interface {
	Verify(pin, encoded string) (bool, error)
}

// Argon2Pins hashes and verifies PINs as PHC strings
// ($argon2id$v=19$m=...,t=...,p=...$salt$hash).
type Argon2Pins struct{}

// Hash derives a new PHC string for pin with a random salt.
func (Argon2Pins) Hash(pin string) (string, error) {
	salt := make([]byte, pinSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(pin), salt, pinTime, pinMemory, pinThreads, pinKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, pinMemory, pinTime, pinThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether pin matches encoded. The parameters stored in the
// hash are used, so hashes made with other costs still verify.
func (Argon2Pins) Verify(pin, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, ErrMalformedHash
	}

	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, ErrMalformedHash
	}
	if memory == 0 || iterations == 0 || threads == 0 {
		return false, ErrMalformedHash
	}

	salt, err := base64.RawStdEncoding.Strict().DecodeString(strings.TrimRight(parts[4], "="))
	if err != nil {
		return false, ErrMalformedHash
	}
	want, err := base64.RawStdEncoding.Strict().DecodeString(strings.TrimRight(parts[5], "="))
	if err != nil || len(want) == 0 {
		return false, ErrMalformedHash
	}

	got := argon2.IDKey([]byte(pin), salt, iterations, memory, threads, uint32(len(want)))
	return constantTimeCompare(got, want), nil
}

func constantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
