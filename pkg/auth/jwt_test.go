package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifierDisabled(t *testing.T) {
	v := NewVerifier("")
	assert.False(t, v.Enabled())

	claims, err := v.Verify("")
	require.NoError(t, err)
	assert.NotNil(t, claims)

	_, err = v.Issue("peer", time.Minute)
	assert.Error(t, err)
}

func TestVerifierRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")

	token, err := v.Issue("peer-1", time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "peer-1", claims.Subject)
	assert.Equal(t, "offloadd", claims.Issuer)
}

func TestVerifierRejects(t *testing.T) {
	v := NewVerifier("test-secret")

	t.Run("missing", func(t *testing.T) {
		_, err := v.Verify("")
		assert.True(t, errors.Is(err, ErrMissingToken))
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewVerifier("other").Issue("peer", time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("expired", func(t *testing.T) {
		token, err := v.Issue("peer", -time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("no expiry", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: "offloadd"})
		signed, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = v.Verify(signed)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
			Issuer:    "offloadd",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		})
		signed, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = v.Verify(signed)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Verify("not.a.token")
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/v1/worker", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, BearerToken(r), "header %q", tt.header)
	}
}

func TestMatchToken(t *testing.T) {
	assert.True(t, MatchToken("", "anything"))
	assert.True(t, MatchToken("tok", "tok"))
	assert.False(t, MatchToken("tok", "tok2"))
	assert.False(t, MatchToken("tok", ""))
}
