// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, role claims, tampered tokens, and expiry

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("token-test-secret-at-least-32-bytes!")

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return v
}

func TestNewJWTVerifier_ShortSecret(t *testing.T) {
	if _, err := NewJWTVerifier([]byte("short")); !errors.Is(err, ErrShortSecret) {
		t.Fatalf("NewJWTVerifier() error = %v, want ErrShortSecret", err)
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Generate("alice", []string{RoleAdmin, RoleOperator}, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.Subject != "alice" {
		t.Errorf("Subject = %q, want alice", got.Subject)
	}
	if !got.IsAdmin() || !got.HasRole(RoleOperator) {
		t.Errorf("Roles = %v, want admin and operator", got.Roles)
	}
}

func TestJWTVerifier_NoRoles(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Generate("bob", nil, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.IsAdmin() {
		t.Error("token without roles should not be admin")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	v := newTestVerifier(t)

	other, err := NewJWTVerifier([]byte("a-different-secret-that-is-32-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	foreign, _ := other.Generate("alice", nil, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Generate("alice", nil, time.Minute)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	v.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := v.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	v := newTestVerifier(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Verify(token); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
	}
	if _, err := v.Generate("", nil, time.Hour); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Generate() error = %v, want ErrMissingClaim", err)
	}
}

func TestJWTVerifier_RejectsNoneAlgorithm(t *testing.T) {
	v := newTestVerifier(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "mallory",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
	}
}
