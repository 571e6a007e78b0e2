package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/policy"
	"github.com/RLAsoftware/category-of-one/internal/store"
)

const testSecret = "test-secret"

func sign(t *testing.T, claims Claims, secret string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return tok
}

func validClaims(sub, email string) Claims {
	return Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestVerify(t *testing.T) {
	v := NewVerifier(testSecret, "authenticated")

	id, err := v.Verify(sign(t, validClaims("u1", "jo@example.com"), testSecret))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.UserID != "u1" || id.Email != "jo@example.com" {
		t.Fatalf("Verify() = %+v", id)
	}

	expired := validClaims("u1", "jo@example.com")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	tests := map[string]string{
		"wrong secret": sign(t, validClaims("u1", "jo@example.com"), "other"),
		"expired":      sign(t, expired, testSecret),
		"garbage":      "not.a.token",
	}
	for name, tok := range tests {
		if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: Verify() error = %v, want ErrInvalidToken", name, err)
		}
	}
	if _, err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("Verify(\"\") error = %v, want ErrMissingToken", err)
	}
}

func TestAuthenticateResolvesClientAndRole(t *testing.T) {
	st := store.NewInMemoryStore()
	client := st.PutClient(interview.Client{Name: "Jo", Email: "Jo@Example.com"})
	st.SetUserRole("admin-1", "admin")
	a := NewAuthenticator(NewVerifier(testSecret, ""), st, false)

	req := httptest.NewRequest("GET", "/v1/interview/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, validClaims("u1", "jo@example.com"), testSecret))
	p, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if p.Client == nil || p.Client.ID != client.ID || p.Actor.Role != policy.RoleClient || p.Actor.ClientID != client.ID {
		t.Fatalf("principal = %+v", p)
	}

	ws := httptest.NewRequest("GET", "/v1/interview/ws?token="+sign(t, validClaims("admin-1", "boss@example.com"), testSecret), nil)
	p, err = a.Authenticate(ws)
	if err != nil {
		t.Fatalf("Authenticate(ws) error = %v", err)
	}
	if p.Actor.Role != policy.RoleAdmin || p.Client != nil {
		t.Fatalf("admin principal = %+v", p)
	}

	if _, err := a.Authenticate(httptest.NewRequest("GET", "/", nil)); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("Authenticate(no token) error = %v", err)
	}
}

func TestAuthenticateDevMode(t *testing.T) {
	st := store.NewInMemoryStore()
	st.PutClient(interview.Client{Name: "Jo", Email: "jo@example.com"})
	a := NewAuthenticator(nil, st, true)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Dev-Email", "jo@example.com")
	req.Header.Set("X-Dev-Role", "admin")
	p, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if p.Client == nil || p.Actor.Role != policy.RoleAdmin {
		t.Fatalf("principal = %+v", p)
	}
}
