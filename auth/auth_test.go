package auth

import (
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("test-secret", time.Hour)

	token, err := v.Issue(42, "alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	userID, name, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if userID != 42 || name != "alice" {
		t.Fatalf("Expected user 42/alice, got %d/%s", userID, name)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	issuer := NewVerifier("secret-one", time.Hour)
	verifier := NewVerifier("secret-two", time.Hour)

	token, _ := issuer.Issue(1, "alice")
	if _, _, err := verifier.Verify(token); err != ErrInvalidToken {
		t.Fatalf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	v := NewVerifier("test-secret", -time.Minute)

	token, _ := v.Issue(1, "alice")
	if _, _, err := v.Verify(token); err != ErrExpiredToken {
		t.Fatalf("Expected ErrExpiredToken, got %v", err)
	}
}

func TestVerify_Garbage(t *testing.T) {
	v := NewVerifier("test-secret", time.Hour)

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, _, err := v.Verify(token); err != ErrInvalidToken {
			t.Fatalf("Token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}
