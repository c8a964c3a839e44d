// Package svcauth issues and verifies the short-lived tokens platform services
// present to the control plane.
package svcauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const issuer = "peep"

// ErrMissingToken is returned when a request carries no bearer token.
var ErrMissingToken = errors.New("svcauth: missing bearer token")

// Claims identifies the calling service.
type Claims struct {
	Service string `json:"service"`
	jwtlib.RegisteredClaims
}

// Signer mints tokens for one service.
type Signer struct {
	service string
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewSigner returns a Signer. A non-positive ttl defaults to five minutes.
func NewSigner(service, secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{service: service, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Token issues a signed HS256 token.
func (s *Signer) Token() (string, error) {
	now := s.now()
	claims := Claims{
		Service: s.service,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   s.service,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}

// Verify validates token against secret and returns its claims.
func Verify(token, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(*jwtlib.Token) (any, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Service == "" {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

// VerifyRequest extracts the bearer token from r and verifies it.
func VerifyRequest(r *http.Request, secret string) (*Claims, error) {
	token := BearerToken(r)
	if token == "" {
		return nil, ErrMissingToken
	}
	return Verify(token, secret)
}

// BearerToken returns the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// Transport signs every outgoing request with a fresh token.
type Transport struct {
	Signer *Signer
	Base   http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.Signer.Token()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}
