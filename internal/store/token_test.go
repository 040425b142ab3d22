package store

import "testing"

func TestHashAndVerifyToken(t *testing.T) {
	hash, err := hashToken("abc123")
	if err != nil {
		t.Fatalf("hashToken: %v", err)
	}
	if !verifyToken("abc123", hash) {
		t.Error("verifyToken should accept the correct plaintext")
	}
	if verifyToken("wrong", hash) {
		t.Error("verifyToken should reject an incorrect plaintext")
	}
}

func TestHashTokenSaltsDiffer(t *testing.T) {
	a, err := hashToken("same-token")
	if err != nil {
		t.Fatalf("hashToken: %v", err)
	}
	b, err := hashToken("same-token")
	if err != nil {
		t.Fatalf("hashToken: %v", err)
	}
	if a == b {
		t.Error("two hashes of the same plaintext should differ (random salt)")
	}
	if !verifyToken("same-token", a) || !verifyToken("same-token", b) {
		t.Error("both hashes should still verify the original plaintext")
	}
}

func TestGenerateTokenLength(t *testing.T) {
	tok, err := generateToken()
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	if len(tok) != 6 {
		t.Errorf("len(token) = %d, want 6", len(tok))
	}
}

func TestVerifyTokenMalformedStored(t *testing.T) {
	if verifyToken("x", "not-a-valid-hash") {
		t.Error("malformed stored hash should never verify")
	}
}
