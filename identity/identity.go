// Package identity resolves the authenticated user of an HTTP request from
// an HMAC-signed session JWT.
//
// The token is read from the Authorization bearer header or, failing
// that, from the session cookie. Claims are searched at the top level and
// inside the nested objects identity providers commonly wrap them in.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xraph/credits"
	"github.com/xraph/credits/ledger"
)

// DefaultCookieName is the session cookie consulted when no bearer token
// is present.
const DefaultCookieName = "DS"

var (
	// ErrNoToken means the request carried no session token.
	ErrNoToken = fmt.Errorf("%w: no session token", credits.ErrUnauthorized)
	// ErrInvalidToken means the token failed signature or claim checks.
	ErrInvalidToken = fmt.Errorf("%w: invalid session token", credits.ErrUnauthorized)
	// ErrExpiredToken means the token is past its expiry.
	ErrExpiredToken = fmt.Errorf("%w: session token expired", credits.ErrUnauthorized)
	// ErrNoEmail means the token verified but named no usable email.
	ErrNoEmail = fmt.Errorf("%w: session has no email claim", credits.ErrUnauthorized)
)

// Claim keys, in lookup order.
var (
	emailKeys   = []string{"email", "preferred_username", "upn", "loginId"}
	subjectKeys = []string{"sub", "userId", "id"}
	nameKeys    = []string{"name", "displayName", "given_name"}
	nestedKeys  = []string{"token", "sessionToken", "sessionJwt", "jwt", "claims", "user"}
)

// Resolver verifies session tokens.
type Resolver struct {
	secret     []byte
	cookieName string
	issuer     string
	leeway     time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCookieName overrides the session cookie name.
func WithCookieName(name string) Option {
	return func(r *Resolver) { r.cookieName = name }
}

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) Option {
	return func(r *Resolver) { r.issuer = iss }
}

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) Option {
	return func(r *Resolver) { r.leeway = d }
}

// NewResolver returns a Resolver for tokens signed with secret.
func NewResolver(secret []byte, opts ...Option) (*Resolver, error) {
	if len(secret) == 0 {
		return nil, &credits.ConfigurationError{Setting: "session secret"}
	}
	r := &Resolver{secret: secret, cookieName: DefaultCookieName}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns the identity carried by req. Every failure wraps
// credits.ErrUnauthorized.
func (r *Resolver) Resolve(req *http.Request) (*ledger.Identity, error) {
	raw := bearerToken(req)
	if raw == "" {
		if c, err := req.Cookie(r.cookieName); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		return nil, ErrNoToken
	}
	return r.Parse(raw)
}

// Parse verifies a raw token and extracts the identity.
func (r *Resolver) Parse(raw string) (*ledger.Identity, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(r.leeway),
	}
	if r.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(r.issuer))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	ident, ok := Extract(claims)
	if !ok {
		return nil, ErrNoEmail
	}
	return ident, nil
}

// Extract finds the first claim set, top level first, that names an
// email, and reads subject and display name from the same set.
func Extract(claims map[string]any) (*ledger.Identity, bool) {
	candidates := []map[string]any{claims}
	for _, key := range nestedKeys {
		if nested, ok := claims[key].(map[string]any); ok {
			candidates = append(candidates, nested)
		}
	}

	for _, c := range candidates {
		email := ledger.NormalizeEmail(firstString(c, emailKeys))
		if email == "" {
			continue
		}
		return &ledger.Identity{
			Email:       email,
			Subject:     firstString(c, subjectKeys),
			DisplayName: firstString(c, nameKeys),
		}, true
	}
	return nil, false
}

// Sign issues a session token for ident. Used by tooling and tests.
func Sign(secret []byte, ident ledger.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"email": ident.Email,
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(now.Add(ttl)),
	}
	if ident.Subject != "" {
		claims["sub"] = ident.Subject
	}
	if ident.DisplayName != "" {
		claims["name"] = ident.DisplayName
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}
