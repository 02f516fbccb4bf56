package identity

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xraph/credits"
	"github.com/xraph/credits/ledger"
)

var testSecret = []byte("test-session-secret")

func newResolver(t *testing.T, opts ...Option) *Resolver {
	t.Helper()
	r, err := NewResolver(testSecret, opts...)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func signClaims(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestNewResolverRequiresSecret(t *testing.T) {
	if _, err := NewResolver(nil); !credits.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestResolveBearerAndCookie(t *testing.T) {
	r := newResolver(t)
	tok, err := Sign(testSecret, ledger.Identity{Email: "Ada@Example.com", Subject: "sub-1", DisplayName: "Ada"}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	bearer := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	bearer.Header.Set("Authorization", "Bearer "+tok)

	cookie := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	cookie.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: tok})

	for name, req := range map[string]*http.Request{"bearer": bearer, "cookie": cookie} {
		t.Run(name, func(t *testing.T) {
			ident, err := r.Resolve(req)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if ident.Email != "ada@example.com" || ident.Subject != "sub-1" || ident.DisplayName != "Ada" {
				t.Errorf("identity: got %+v", ident)
			}
		})
	}
}

func TestResolveFailures(t *testing.T) {
	r := newResolver(t)
	expired := signClaims(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
		"email": "ada@example.com",
		"exp":   time.Now().Add(-time.Hour).Unix(),
	})
	wrongKey := signClaims(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"email": "ada@example.com"})
	noEmail := signClaims(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"sub": "sub-1"})
	unsigned := signClaims(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{"email": "ada@example.com"})

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"missing", "", ErrNoToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"expired", expired, ErrExpiredToken},
		{"wrong key", wrongKey, ErrInvalidToken},
		{"alg none", unsigned, ErrInvalidToken},
		{"no email", noEmail, ErrNoEmail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			_, err := r.Resolve(req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if !errors.Is(err, credits.ErrUnauthorized) {
				t.Errorf("error should wrap ErrUnauthorized: %v", err)
			}
		})
	}
}

func TestIssuerCheck(t *testing.T) {
	r := newResolver(t, WithIssuer("portal"))
	tok := signClaims(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"email": "ada@example.com", "iss": "elsewhere"})
	if _, err := r.Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected issuer mismatch to fail, got %v", err)
	}

	tok = signClaims(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"email": "ada@example.com", "iss": "portal"})
	if _, err := r.Parse(tok); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]any
		want   *ledger.Identity
	}{
		{
			name:   "top level email",
			claims: map[string]any{"email": " Ada@Example.COM ", "sub": "s1", "name": "Ada"},
			want:   &ledger.Identity{Email: "ada@example.com", Subject: "s1", DisplayName: "Ada"},
		},
		{
			name:   "fallback keys",
			claims: map[string]any{"loginId": "bob@example.com", "userId": "u2", "given_name": "Bob"},
			want:   &ledger.Identity{Email: "bob@example.com", Subject: "u2", DisplayName: "Bob"},
		},
		{
			name:   "preferred_username before upn",
			claims: map[string]any{"preferred_username": "p@example.com", "upn": "u@example.com"},
			want:   &ledger.Identity{Email: "p@example.com"},
		},
		{
			name: "nested session token",
			claims: map[string]any{
				"sub":          "outer",
				"sessionToken": map[string]any{"email": "nested@example.com", "id": "inner", "displayName": "Nested"},
			},
			want: &ledger.Identity{Email: "nested@example.com", Subject: "inner", DisplayName: "Nested"},
		},
		{
			name:   "blank email skipped",
			claims: map[string]any{"email": "   ", "user": map[string]any{"email": "user@example.com"}},
			want:   &ledger.Identity{Email: "user@example.com"},
		},
		{
			name:   "non-string ignored",
			claims: map[string]any{"email": 42},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Extract(tt.claims)
			if tt.want == nil {
				if ok {
					t.Fatalf("expected no identity, got %+v", got)
				}
				return
			}
			if !ok {
				t.Fatal("expected an identity")
			}
			if *got != *tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
