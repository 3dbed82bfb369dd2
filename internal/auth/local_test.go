package auth

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/meridian/internal/errs"
)

func mustKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub, priv
}

func TestLocalValidatorRoundTrip(t *testing.T) {
	pub, priv := mustKeyPair(t)
	v := NewLocalValidator(pub)

	token, err := SignToken(priv, &Principal{
		Subject:   "operator-1",
		Scopes:    []string{"match.write", "node.read"},
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	p, err := v.Validate(t.Context(), token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", p.Subject)
	assert.ElementsMatch(t, []string{"match.write", "node.read"}, p.Scopes)
	assert.False(t, p.IsMatchScoped())
}

func TestLocalValidatorRejectsTamperedClaims(t *testing.T) {
	pub, priv := mustKeyPair(t)
	v := NewLocalValidator(pub)

	token, err := SignToken(priv, &Principal{Subject: "a", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	tampered := token[:len(token)-4] + "abcd"
	_, err = v.Validate(t.Context(), tampered)
	require.Error(t, err)
	assert.Equal(t, errs.Unauthenticated, errs.KindOf(err))
}

func TestLocalValidatorRejectsExpiredToken(t *testing.T) {
	pub, priv := mustKeyPair(t)
	v := NewLocalValidator(pub)

	token, err := SignToken(priv, &Principal{Subject: "a", ExpiresAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	_, err = v.Validate(t.Context(), token)
	require.Error(t, err)
	assert.Equal(t, errs.Unauthenticated, errs.KindOf(err))
}

func TestLocalValidatorRejectsEmptyToken(t *testing.T) {
	pub, _ := mustKeyPair(t)
	v := NewLocalValidator(pub)
	_, err := v.Validate(t.Context(), "")
	assert.Equal(t, errs.Unauthenticated, errs.KindOf(err))
}

func TestLocalValidatorRejectsMalformedToken(t *testing.T) {
	pub, _ := mustKeyPair(t)
	v := NewLocalValidator(pub)
	_, err := v.Validate(t.Context(), "not-a-valid-token")
	require.Error(t, err)
}

func TestMatchScopedTokenBinding(t *testing.T) {
	pub, priv := mustKeyPair(t)
	v := NewLocalValidator(pub)

	token, err := SignToken(priv, &Principal{
		Subject:   "player-9",
		ExpiresAt: time.Now().Add(time.Hour),
		MatchID:   "m1",
		PlayerID:  "p9",
	})
	require.NoError(t, err)

	p, err := v.Validate(t.Context(), token)
	require.NoError(t, err)
	require.True(t, p.IsMatchScoped())

	assert.NoError(t, p.RequireBinding("m1", "p9"))
	err = p.RequireBinding("m1", "p10")
	require.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
}

func TestRequireScope(t *testing.T) {
	p := &Principal{Scopes: []string{"match.*"}}
	assert.NoError(t, p.RequireScope("match.write"))
	err := p.RequireScope("node.write")
	require.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
}
