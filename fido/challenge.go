package fido

import (
	"fmt"
	"strings"

	"github.com/jmcleod/fidogate/internal/util"
)

// Supported FIDO protocol versions.
const (
	ProtocolU2F   = "U2F_V2"
	ProtocolFIDO2 = "FIDO2_0"
)

const (
	// MaxRandomBits caps the entropy drawn for a single challenge nonce.
	MaxRandomBits = 512

	// DefaultEntropyLength is the nonce length in bytes when none is configured.
	DefaultEntropyLength = 32
)

// SupportedProtocol reports whether v names a protocol version this engine
// speaks. Comparison is case-insensitive.
func SupportedProtocol(v string) bool {
	return strings.EqualFold(v, ProtocolU2F) || strings.EqualFold(v, ProtocolFIDO2)
}

func canonicalProtocol(v string) string {
	if strings.EqualFold(v, ProtocolU2F) {
		return ProtocolU2F
	}
	return ProtocolFIDO2
}

// RegistrationChallenge is the immutable value handed to a client starting
// a registration ceremony.
type RegistrationChallenge struct {
	Nonce   string `json:"nonce"`
	Version string `json:"version"`
}

// AuthenticationChallenge is the immutable value handed to a client starting
// an authentication ceremony against one registered credential.
type AuthenticationChallenge struct {
	Nonce      string   `json:"nonce"`
	KeyHandle  string   `json:"keyHandle"`
	AppID      string   `json:"appId,omitempty"`
	Transports []string `json:"transports,omitempty"`
	Version    string   `json:"version"`
}

// Factory produces challenge values. The nonce length is fixed at
// construction and capped at MaxRandomBits/8 bytes.
type Factory struct {
	entropy int
}

// NewFactory creates a challenge factory emitting nonces of entropyLength
// bytes. Non-positive lengths fall back to DefaultEntropyLength; lengths
// beyond the cap are clamped.
func NewFactory(entropyLength int) *Factory {
	if entropyLength <= 0 {
		entropyLength = DefaultEntropyLength
	}
	if entropyLength > MaxRandomBits/8 {
		entropyLength = MaxRandomBits / 8
	}
	return &Factory{entropy: entropyLength}
}

// NewRegistrationChallenge returns a fresh registration challenge for the
// given user. The nonce is base64url-encoded without padding.
func (f *Factory) NewRegistrationChallenge(protocol, username string) (*RegistrationChallenge, error) {
	if username == "" || protocol == "" {
		return nil, fmt.Errorf("username %q, protocol %q: %w", username, protocol, ErrInvalidArgument)
	}
	if !SupportedProtocol(protocol) {
		return nil, fmt.Errorf("%q: %w", protocol, ErrUnsupportedProtocol)
	}
	raw, err := util.RandomNonce(f.entropy)
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return &RegistrationChallenge{
		Nonce:   util.B64URLEncode(raw),
		Version: canonicalProtocol(protocol),
	}, nil
}

// NewAuthenticationChallenge returns a challenge bound to one registered
// credential's key handle.
func (f *Factory) NewAuthenticationChallenge(protocol, username, keyHandle, appID string, transports []string) (*AuthenticationChallenge, error) {
	if username == "" || protocol == "" {
		return nil, fmt.Errorf("username %q, protocol %q: %w", username, protocol, ErrInvalidArgument)
	}
	if !SupportedProtocol(protocol) {
		return nil, fmt.Errorf("%q: %w", protocol, ErrUnsupportedProtocol)
	}
	if strings.TrimSpace(keyHandle) == "" {
		return nil, fmt.Errorf("key handle: %w", ErrInvalidArgument)
	}
	return &AuthenticationChallenge{
		KeyHandle:  keyHandle,
		AppID:      appID,
		Transports: append([]string(nil), transports...),
		Version:    canonicalProtocol(protocol),
	}, nil
}
