package verifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmcleod/fidogate/fido"
)

// Mux routes verification to the protocol-specific implementation.
type Mux struct {
	u2f   fido.Verifier
	fido2 fido.Verifier
}

// NewMux builds a dispatching verifier. Either arm may be nil, in which case
// requests for that protocol fail with fido.ErrUnsupportedProtocol.
func NewMux(u2f, fido2 fido.Verifier) *Mux {
	return &Mux{u2f: u2f, fido2: fido2}
}

func (m *Mux) VerifyRegistration(ctx context.Context, protocol, response, challenge, appID string) (*fido.RegistrationResult, error) {
	v, err := m.pick(protocol)
	if err != nil {
		return nil, err
	}
	return v.VerifyRegistration(ctx, protocol, response, challenge, appID)
}

func (m *Mux) VerifyAssertion(ctx context.Context, protocol, response, publicKey, challenge, appID string) (*fido.AssertionResult, error) {
	v, err := m.pick(protocol)
	if err != nil {
		return nil, err
	}
	return v.VerifyAssertion(ctx, protocol, response, publicKey, challenge, appID)
}

func (m *Mux) pick(protocol string) (fido.Verifier, error) {
	switch {
	case strings.EqualFold(protocol, fido.ProtocolU2F) && m.u2f != nil:
		return m.u2f, nil
	case strings.EqualFold(protocol, fido.ProtocolFIDO2) && m.fido2 != nil:
		return m.fido2, nil
	}
	return nil, fmt.Errorf("%q: %w", protocol, fido.ErrUnsupportedProtocol)
}
