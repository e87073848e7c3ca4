// Package auth covers dashboard credentials (JWT) and partner API keys.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

// passwordSalt is an application-level salt. Hashing is deliberately
// deterministic so credential records can be compared and synced across
// environments without re-prompting users.
var passwordSalt = []byte("veraproof-credential-v1")

const (
	pbkdf2Iterations = 4096
	pbkdf2KeyLen     = 32
)

// HashPassword derives a hex-encoded PBKDF2-SHA256 digest. Equal passwords
// always produce equal hashes.
func HashPassword(password string) string {
	key := pbkdf2.Key([]byte(password), passwordSalt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return hex.EncodeToString(key)
}

// VerifyPassword compares in constant time.
func VerifyPassword(password, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashPassword(password)), []byte(hash)) == 1
}
