package security

import (
	"encoding/base64"
	"testing"
)

func TestGenerateSecureToken(t *testing.T) {
	token, err := GenerateSecureToken(ResetTokenBytes)
	if err != nil {
		t.Fatalf("GenerateSecureToken returned error: %v", err)
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("token is not base64url: %v", err)
	}
	if len(raw) != ResetTokenBytes {
		t.Fatalf("expected %d random bytes, got %d", ResetTokenBytes, len(raw))
	}

	other, err := GenerateSecureToken(ResetTokenBytes)
	if err != nil {
		t.Fatalf("GenerateSecureToken returned error: %v", err)
	}
	if other == token {
		t.Fatal("expected distinct tokens")
	}

	if _, err := GenerateSecureToken(0); err == nil {
		t.Fatal("expected error for non-positive length")
	}
}

func TestHashToken(t *testing.T) {
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got := HashToken("hello"); got != want {
		t.Fatalf("unexpected digest %s", got)
	}
	if HashToken("a") == HashToken("b") {
		t.Fatal("expected different digests")
	}
}
