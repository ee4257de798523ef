package fido

import "errors"

var (
	// ErrInvalidArgument indicates a missing or empty required field.
	ErrInvalidArgument = errors.New("missing or empty required field")
	// ErrUnsupportedProtocol indicates the protocol version is not recognized.
	ErrUnsupportedProtocol = errors.New("protocol not supported")
	// ErrSessionNotFound indicates no live session exists for the computed key.
	// Expired sessions are indistinguishable from absent ones.
	ErrSessionNotFound = errors.New("session not found or expired")
	// ErrIdentityMismatch indicates the asserted username differs from the
	// session's bound username.
	ErrIdentityMismatch = errors.New("username does not match session")
	// ErrOriginMismatch indicates the client-asserted origin does not match
	// the relying party's configured application identity.
	ErrOriginMismatch = errors.New("origin does not match relying party")
	// ErrUserPresenceRequired indicates the authenticator did not assert
	// user presence.
	ErrUserPresenceRequired = errors.New("user presence not asserted")
	// ErrReplayDetected indicates the presented signature counter is not
	// strictly greater than the stored counter.
	ErrReplayDetected = errors.New("signature counter replay detected")
	// ErrSignatureInvalid indicates the authenticator's signature did not
	// verify against the registered public key.
	ErrSignatureInvalid = errors.New("invalid authenticator signature")
	// ErrNoCredentialsFound indicates the user has no active credentials.
	ErrNoCredentialsFound = errors.New("no active credentials found")
	// ErrCredentialNotFound indicates the referenced credential does not exist.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrUntrustedAuthenticator indicates the authenticator model is not on
	// the policy's AAGUID allow-list.
	ErrUntrustedAuthenticator = errors.New("authenticator model not trusted by policy")
	// ErrInternal indicates a collaborator (store or crypto provider) failure.
	// The engine does not retry these.
	ErrInternal = errors.New("internal error")
)
