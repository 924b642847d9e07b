package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestIssuer_IssueAndVerify(t *testing.T) {
	issuer := NewIssuer(testKey, 24*time.Hour)

	signed, expiresAt, err := issuer.Issue("u1")
	require.NoError(t, err)
	require.NotEmpty(t, signed)
	require.WithinDuration(t, time.Now().Add(24*time.Hour), expiresAt, time.Minute)

	subject, err := issuer.Verify(signed)
	require.NoError(t, err)
	require.Equal(t, "u1", subject)
}

func TestIssuer_RejectsWrongKey(t *testing.T) {
	issuer := NewIssuer(testKey, time.Hour)
	signed, _, err := issuer.Issue("u1")
	require.NoError(t, err)

	other := NewIssuer([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)
	_, err = other.Verify(signed)
	require.Error(t, err)
}

func TestIssuer_RejectsExpired(t *testing.T) {
	issuer := NewIssuer(testKey, -time.Minute)
	signed, _, err := issuer.Issue("u1")
	require.NoError(t, err)

	_, err = issuer.Verify(signed)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestIssuer_EmptyKey(t *testing.T) {
	issuer := NewIssuer(nil, time.Hour)
	_, _, err := issuer.Issue("u1")
	require.Error(t, err)
}

func TestIssuer_ClaimsShape(t *testing.T) {
	issuer := NewIssuer(testKey, time.Hour)
	signed, _, err := issuer.Issue("user-42")
	require.NoError(t, err)

	var claims Claims
	_, err = jwt.ParseWithClaims(signed, &claims, func(*jwt.Token) (interface{}, error) {
		return testKey, nil
	})
	require.NoError(t, err)
	require.Equal(t, "telestack-db", claims.Issuer)
	require.Equal(t, "user-42", claims.Subject)
	require.NotEmpty(t, claims.ID)
	require.NotNil(t, claims.IssuedAt)
}
