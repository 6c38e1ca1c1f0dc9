// Package crypto implements hashing and verification of operator secrets.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (tuned for server-side hashing).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32

	saltLen = 16
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashSecret hashes secret with a fresh random salt and returns the encoded
// form "base64(salt)$base64(hash)", suitable for a config file.
func HashSecret(secret string) (string, error) {
	salt, err := RandBytes(saltLen)
	if err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(hash), nil
}

// VerifySecret checks secret against an encoded hash in constant time.
// Malformed encodings verify as false, never as an error, so a bad config
// value cannot be distinguished from a wrong secret by a caller.
func VerifySecret(secret, encoded string) bool {
	salt, expected, ok := decode(encoded)
	if !ok {
		// Burn comparable work so unknown-vs-wrong stays indistinguishable.
		salt, expected = make([]byte, saltLen), make([]byte, argonKeyLen)
		got := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
		subtle.ConstantTimeCompare(got, expected)
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

func decode(encoded string) (salt, hash []byte, ok bool) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return nil, nil, false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil || len(salt) == 0 {
		return nil, nil, false
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil || len(hash) == 0 {
		return nil, nil, false
	}
	return salt, hash, true
}
