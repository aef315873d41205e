package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func encodeSegment(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(b)
}

// makeToken builds an unsigned compact JWT with the standard test header.
func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := map[string]any{
		"alg": "ES256",
		"typ": "JWT",
	}
	signature := base64.RawURLEncoding.EncodeToString([]byte("signature"))
	return fmt.Sprintf("%s.%s.%s", encodeSegment(t, header), encodeSegment(t, claims), signature)
}

func defaultClaims() map[string]any {
	return map[string]any{
		"access": []map[string]any{
			{
				"type":    "repository",
				"name":    "library/busybox",
				"actions": []string{"pull"},
			},
		},
		"aud": "registry.docker.io",
		"iat": 1438887168,
		"iss": "auth.docker.io",
		"jti": "l2PJDFkzwvoL7-TajJF7",
		"nbf": 1438887166,
		"sub": "",
	}
}

func TestTokenValid(t *testing.T) {
	t.Parallel()

	claims := defaultClaims()
	claims["exp"] = time.Now().Add(365 * 24 * time.Hour).Unix()

	token, err := ParseToken(makeToken(t, claims))
	require.NoError(t, err)
	require.True(t, token.Valid(time.Now()))
	require.NotNil(t, token.ExpiresAt())
}

func TestTokenExpired(t *testing.T) {
	t.Parallel()

	claims := defaultClaims()
	claims["exp"] = time.Now().Add(-365 * 24 * time.Hour).Unix()

	// An expired token still parses; it is only reported as invalid.
	token, err := ParseToken(makeToken(t, claims))
	require.NoError(t, err)
	require.False(t, token.Valid(time.Now()))
}

func TestTokenNoExpiration(t *testing.T) {
	t.Parallel()

	token, err := ParseToken(makeToken(t, defaultClaims()))
	require.NoError(t, err)
	require.True(t, token.Valid(time.Now()))
	require.Nil(t, token.ExpiresAt())
}

func TestTokenNotBeforeInFuture(t *testing.T) {
	t.Parallel()

	claims := defaultClaims()
	claims["exp"] = time.Now().Add(365 * 24 * time.Hour).Unix()
	claims["nbf"] = time.Now().Add(7 * 24 * time.Hour).Unix()

	token, err := ParseToken(makeToken(t, claims))
	require.NoError(t, err)
	require.False(t, token.Valid(time.Now()))
}

func TestTokenMalformed(t *testing.T) {
	t.Parallel()

	validSegment := base64.RawURLEncoding.EncodeToString([]byte(`{}`))
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "two segments", raw: validSegment + "." + validSegment},
		{name: "four segments", raw: validSegment + "." + validSegment + "." + validSegment + "." + validSegment},
		{name: "not base64", raw: "?*!." + validSegment + "." + validSegment},
		{name: "not json", raw: base64.RawURLEncoding.EncodeToString([]byte("junk")) + "." + validSegment + "." + validSegment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseToken(tt.raw)
			require.ErrorIs(t, err, ErrTokenMalformed)
		})
	}
}
