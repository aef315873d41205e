package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenMalformed is wrapped by structural token parse failures: the wrong
// number of segments, invalid base64, or segments that are not JSON.
var ErrTokenMalformed = errors.New("token malformed")

// Token is a bearer token as returned by a registry authorization server.
//
// Parsing is purely structural. The signature is not verified (the registry
// is the verifying party, not us) and time-based claims do not fail the
// parse; validity is a separate property queried with Valid so a caller can
// tell an unusable token apart from a garbage one.
type Token struct {
	// Raw is the compact serialization presented in Authorization headers.
	Raw string

	Header map[string]any
	Claims jwt.MapClaims

	expiresAt *time.Time
	notBefore *time.Time
}

// ParseToken parses a compact JWT string into a Token. A token whose exp or
// nbf lie in the past or future respectively still parses successfully.
func ParseToken(raw string) (*Token, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: claims segment is not a JSON object", ErrTokenMalformed)
	}

	token := &Token{
		Raw:    raw,
		Header: parsed.Header,
		Claims: claims,
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid exp claim: %w", ErrTokenMalformed, err)
	}
	if exp != nil {
		token.expiresAt = &exp.Time
	}

	nbf, err := claims.GetNotBefore()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid nbf claim: %w", ErrTokenMalformed, err)
	}
	if nbf != nil {
		token.notBefore = &nbf.Time
	}

	return token, nil
}

// Valid reports whether the token may be used at the given time. A token
// without an exp claim never expires.
func (t *Token) Valid(now time.Time) bool {
	if t.expiresAt != nil && !now.Before(*t.expiresAt) {
		return false
	}
	if t.notBefore != nil && now.Before(*t.notBefore) {
		return false
	}
	return true
}

// ExpiresAt returns the exp claim, or nil when the token never expires.
func (t *Token) ExpiresAt() *time.Time {
	return t.expiresAt
}
