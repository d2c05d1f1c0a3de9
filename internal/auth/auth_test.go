package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/flavourstalk/chat-core/internal/chaterr"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestUserID_Valid(t *testing.T) {
	v := NewVerifier("test-secret")
	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	uid, err := v.UserID(token)
	if err != nil {
		t.Fatalf("UserID() error: %v", err)
	}
	if uid != "user-42" {
		t.Errorf("uid = %q, want user-42", uid)
	}
}

func TestUserID_WrongSecret(t *testing.T) {
	v := NewVerifier("test-secret")
	token := signToken(t, "other-secret", jwt.MapClaims{"sub": "user-42"})

	_, err := v.UserID(token)
	if chaterr.CodeOf(err) != chaterr.CodeUnauthorized {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestUserID_Expired(t *testing.T) {
	v := NewVerifier("test-secret")
	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := v.UserID(token)
	if chaterr.CodeOf(err) != chaterr.CodeUnauthorized {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestUserID_NoSubject(t *testing.T) {
	v := NewVerifier("test-secret")
	token := signToken(t, "test-secret", jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.UserID(token)
	if chaterr.CodeOf(err) != chaterr.CodeUnauthorized {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestUserID_Garbage(t *testing.T) {
	v := NewVerifier("test-secret")
	if _, err := v.UserID("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}

func TestFromHeader(t *testing.T) {
	token, err := FromHeader("Bearer abc.def.ghi")
	if err != nil {
		t.Fatalf("FromHeader() error: %v", err)
	}
	if token != "abc.def.ghi" {
		t.Errorf("token = %q, want abc.def.ghi", token)
	}

	if _, err := FromHeader(""); err == nil {
		t.Error("expected error for empty header")
	}
	if _, err := FromHeader("Basic dXNlcg=="); err == nil {
		t.Error("expected error for non-bearer header")
	}
}
