package fido

import "context"

// RegistrationResult is what a signature verifier extracts from a valid
// registration response. The key handle is returned raw; the engine encrypts
// it before persistence.
type RegistrationResult struct {
	KeyHandle  string
	PublicKey  string
	AAGUID     string
	KeyType    string
	Transports []string
}

// AssertionResult is what a signature verifier extracts from a valid
// authentication response.
type AssertionResult struct {
	Counter     uint32
	UserPresent bool
}

// Verifier performs the protocol-specific cryptographic verification of
// signed authenticator responses. Implementations live outside the engine;
// the engine only interprets their results against session and policy state.
type Verifier interface {
	// VerifyRegistration validates a signed registration response against
	// the challenge it was issued for and extracts the new credential's
	// material. It must return ErrSignatureInvalid (possibly wrapped) when
	// the attestation signature does not verify.
	VerifyRegistration(ctx context.Context, protocol, response, challenge, appID string) (*RegistrationResult, error)

	// VerifyAssertion validates a signed authentication response against the
	// registered public key and the challenge bound to the session. It must
	// return ErrSignatureInvalid (possibly wrapped) when the signature does
	// not verify.
	VerifyAssertion(ctx context.Context, protocol, response, publicKey, challenge, appID string) (*AssertionResult, error)
}
