package store

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 64
	saltLen          = 16
	tokenBytes       = 3 // renders to 6 hex chars
)

// generateToken returns a fresh plaintext agent token, 6 lowercase hex
// characters (§4.1).
func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// hashToken derives a salted PBKDF2-HMAC-SHA512 digest and renders it as
// "salt:hex" for storage (§3).
func hashToken(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	key := pbkdf2.Key([]byte(plaintext), salt, pbkdf2Iterations, pbkdf2KeyLen, sha512.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key), nil
}

// verifyToken reports whether plaintext hashes (with the stored salt) to
// the stored digest, using a constant-time comparison (§8 Auth).
func verifyToken(plaintext, stored string) bool {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(plaintext), salt, pbkdf2Iterations, pbkdf2KeyLen, sha512.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
