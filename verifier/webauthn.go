package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/jmcleod/fidogate/fido"
	"github.com/jmcleod/fidogate/internal/util"
)

// WebAuthn verifies FIDO2_0 responses by delegating to the go-webauthn
// protocol library. Public keys travel through the engine as base64-encoded
// COSE key structures.
type WebAuthn struct {
	wa *webauthn.WebAuthn
}

// NewWebAuthn builds a FIDO2 verifier for one relying party.
func NewWebAuthn(rpID, rpName string, origins []string) (*WebAuthn, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: rpName,
		RPID:          rpID,
		RPOrigins:     origins,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}
	return &WebAuthn{wa: wa}, nil
}

// ceremonyUser satisfies the library's user interface with just enough
// identity for a single ceremony. The engine owns the real user records.
type ceremonyUser struct {
	id    []byte
	creds []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte                         { return u.id }
func (u *ceremonyUser) WebAuthnName() string                       { return string(u.id) }
func (u *ceremonyUser) WebAuthnDisplayName() string                { return string(u.id) }
func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

func (v *WebAuthn) VerifyRegistration(ctx context.Context, protocolVersion, response, challenge, appID string) (*fido.RegistrationResult, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(strings.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("parsing creation response: %w", err)
	}
	user := userForChallenge(challenge, nil)
	session := webauthn.SessionData{
		Challenge: challenge,
		UserID:    user.id,
	}
	cred, err := v.wa.CreateCredential(user, session, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fido.ErrSignatureInvalid, err)
	}
	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	return &fido.RegistrationResult{
		KeyHandle:  util.B64URLEncode(cred.ID),
		PublicKey:  base64.StdEncoding.EncodeToString(cred.PublicKey),
		AAGUID:     fmt.Sprintf("%x", cred.Authenticator.AAGUID),
		KeyType:    "COSE",
		Transports: transports,
	}, nil
}

func (v *WebAuthn) VerifyAssertion(ctx context.Context, protocolVersion, response, publicKey, challenge, appID string) (*fido.AssertionResult, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("parsing assertion response: %w", err)
	}
	coseKey, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decoding registered public key: %w", err)
	}
	credID := parsed.RawID
	user := userForChallenge(challenge, []webauthn.Credential{{
		ID:        credID,
		PublicKey: coseKey,
	}})
	session := webauthn.SessionData{
		Challenge:            challenge,
		UserID:               user.id,
		AllowedCredentialIDs: [][]byte{credID},
	}
	cred, err := v.wa.ValidateLogin(user, session, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fido.ErrSignatureInvalid, err)
	}
	return &fido.AssertionResult{
		Counter:     cred.Authenticator.SignCount,
		UserPresent: cred.Flags.UserPresent,
	}, nil
}

// userForChallenge derives a stable ceremony-scoped user handle. If the
// authenticator returns a user handle it must match this value, so the same
// derivation is used on both legs of a ceremony.
func userForChallenge(challenge string, creds []webauthn.Credential) *ceremonyUser {
	sum := sha256.Sum256([]byte(challenge))
	return &ceremonyUser{id: sum[:16], creds: creds}
}
