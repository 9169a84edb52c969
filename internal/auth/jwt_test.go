package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndValidate(t *testing.T) {
	secret := []byte("test-secret")
	token, err := GenerateJWT("alice", secret, time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sub, err := ValidateToken(token, secret)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if sub != "alice" {
		t.Fatalf("expected subject alice, got %q", sub)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := GenerateJWT("alice", []byte("one"), time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ValidateToken(token, []byte("two")); err == nil {
		t.Fatalf("expected signature error")
	}
}

func TestNonPositiveTTLUsesDefault(t *testing.T) {
	token, err := GenerateJWT("alice", []byte("s"), -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ValidateToken(token, []byte("s")); err != nil {
		t.Fatalf("expected default ttl token to validate, got %v", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ValidateToken(token, []byte("s")); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestGenerateRequiresSubject(t *testing.T) {
	if _, err := GenerateJWT("", []byte("s"), time.Minute); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}
