// Package token mints the signed assertions handed back to relying parties
// after a successful authentication.
package token

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jmcleod/fidogate/policy"
)

// ErrAlgorithmNotAllowed indicates the policy's JWT algorithm list has no
// algorithm this issuer can sign with.
var ErrAlgorithmNotAllowed = errors.New("no permitted signing algorithm")

const defaultDuration = 30 * time.Minute

// Issuer signs authentication tokens with an ECDSA P-256 key.
type Issuer struct {
	key    *ecdsa.PrivateKey
	issuer string
	now    func() time.Time
}

// NewIssuer creates a token issuer. The issuer string becomes the iss claim.
func NewIssuer(key *ecdsa.PrivateKey, issuer string) *Issuer {
	return &Issuer{key: key, issuer: issuer, now: time.Now}
}

// Issue mints a token for a user who just authenticated in the given domain.
// The policy's jwt section controls the algorithm and lifetime; this issuer
// only signs ES256, so a policy permitting other algorithms exclusively is
// rejected.
func (i *Issuer) Issue(username, domainID string, opts policy.JWT) (string, error) {
	if !permitted(opts.Algorithms, jwt.SigningMethodES256.Alg()) {
		return "", fmt.Errorf("policy allows %v: %w", opts.Algorithms, ErrAlgorithmNotAllowed)
	}
	duration := time.Duration(opts.Duration) * time.Minute
	if duration <= 0 {
		duration = defaultDuration
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   username,
		Audience:  jwt.ClaimStrings{domainID},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses a token minted by this issuer and returns its claims.
func (i *Issuer) Verify(tokenString string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return &i.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}), jwt.WithIssuer(i.issuer))
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	return claims, nil
}

func permitted(algorithms []string, alg string) bool {
	if len(algorithms) == 0 {
		return true
	}
	for _, a := range algorithms {
		if a == alg {
			return true
		}
	}
	return false
}
