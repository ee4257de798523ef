package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/fidogate/policy"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return NewIssuer(key, "fidogate-test")
}

func TestIssueAndVerify(t *testing.T) {
	issuer := newTestIssuer(t)

	signed, err := issuer.Issue("alice", "1", policy.JWT{Algorithms: []string{"ES256"}, Duration: 30})
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	claims, err := issuer.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "fidogate-test", claims.Issuer)
	assert.Contains(t, claims.Audience, "1")
	assert.NotEmpty(t, claims.ID)
	assert.True(t, claims.ExpiresAt.After(claims.IssuedAt.Time))
}

func TestIssueRejectsDisallowedAlgorithm(t *testing.T) {
	issuer := newTestIssuer(t)

	_, err := issuer.Issue("alice", "1", policy.JWT{Algorithms: []string{"RS256"}})
	assert.ErrorIs(t, err, ErrAlgorithmNotAllowed)
}

func TestIssueDefaultDuration(t *testing.T) {
	issuer := newTestIssuer(t)

	signed, err := issuer.Issue("alice", "1", policy.JWT{Algorithms: []string{"ES256"}})
	require.NoError(t, err)

	claims, err := issuer.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, defaultDuration, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
}

func TestVerifyRejectsForeignToken(t *testing.T) {
	a := newTestIssuer(t)
	b := newTestIssuer(t)

	signed, err := a.Issue("alice", "1", policy.JWT{})
	require.NoError(t, err)

	_, err = b.Verify(signed)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	issuer := newTestIssuer(t)
	_, err := issuer.Verify("not.a.token")
	assert.Error(t, err)
}
