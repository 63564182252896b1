package auth

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/camarasama/instant-class-chat/internal/model"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := NewAccessToken("secret", "issuer", time.Hour, Claims{
		IdentityID: "identity-1",
		Role:       model.RoleLearner,
	})
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}

	claims, err := ParseToken("secret", "issuer", token)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if claims.IdentityID != "identity-1" {
		t.Fatalf("expected identity-1, got %s", claims.IdentityID)
	}
	if claims.Role != model.RoleLearner {
		t.Fatalf("expected learner role, got %s", claims.Role)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	token, err := NewAccessToken("secret", "issuer", time.Hour, Claims{IdentityID: "identity-1"})
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}
	if _, err := ParseToken("other-secret", "issuer", token); !errors.Is(err, model.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenExpired(t *testing.T) {
	token, err := NewAccessToken("secret", "issuer", -time.Minute, Claims{IdentityID: "identity-1"})
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}
	if _, err := ParseToken("secret", "issuer", token); !errors.Is(err, model.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenWrongIssuer(t *testing.T) {
	token, err := NewAccessToken("secret", "other-issuer", time.Hour, Claims{IdentityID: "identity-1"})
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}
	if _, err := ParseToken("secret", "issuer", token); err == nil {
		t.Fatalf("expected issuer mismatch to fail")
	}
}

func TestTokenFromRequestPriority(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	if got := TokenFromRequest(req); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}

	req.Header.Set("Authorization", "Bearer header-token")
	if got := TokenFromRequest(req); got != "header-token" {
		t.Fatalf("expected header token, got %q", got)
	}

	req.AddCookie(&http.Cookie{Name: CookieName, Value: "cookie-token"})
	if got := TokenFromRequest(req); got != "cookie-token" {
		t.Fatalf("expected cookie to win over header, got %q", got)
	}
}

func TestTokenFromRequestMalformedHeader(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc123")
	if got := TokenFromRequest(req); got != "" {
		t.Fatalf("expected non-bearer scheme to be ignored, got %q", got)
	}
}

func TestRoleAllowed(t *testing.T) {
	if !RoleAllowed(model.RoleAdmin, model.RoleFacilitator, model.RoleAdmin) {
		t.Fatalf("expected admin to be allowed")
	}
	if RoleAllowed(model.RoleLearner, model.RoleFacilitator, model.RoleAdmin) {
		t.Fatalf("expected learner to be denied")
	}
}
