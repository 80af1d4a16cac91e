package crypto

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// MinSecretLength is the shortest caller secret accepted for hashing.
const MinSecretLength = 8

// ErrSecretTooShort is returned for secrets under MinSecretLength bytes.
var ErrSecretTooShort = errors.New("secret too short")

// HashSecret hashes a caller secret using bcrypt.
func HashSecret(plain string) ([]byte, error) {
	if len(plain) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	return bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
}

// CompareSecret compares plaintext to a hashed secret.
func CompareSecret(hash []byte, plain string) error {
	return bcrypt.CompareHashAndPassword(hash, []byte(plain))
}

// EqualTokens reports whether two shared tokens match, in constant time.
// An empty expected token never matches.
func EqualTokens(expected, provided string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
