// Package verifier implements the cryptographic verification of signed
// authenticator responses, one implementation per protocol family.
package verifier

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/jmcleod/fidogate/fido"
	"github.com/jmcleod/fidogate/internal/util"
)

// U2F raw message framing constants.
const (
	u2fRegistrationReserved = 0x05
	u2fPublicKeyLength      = 65
	u2fPresenceFlag         = 0x01
)

// U2F verifies responses in the legacy U2F raw message format: P-256 keys,
// DER-encoded ECDSA signatures, and a five-byte presence/counter prefix on
// assertions. Attestation certificate chains are not validated; only the
// self-consistency of the registration signature is checked.
type U2F struct{}

// NewU2F returns a verifier for the U2F_V2 protocol.
func NewU2F() *U2F { return &U2F{} }

type u2fClientData struct {
	Typ       string `json:"typ"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

type u2fRegistrationResponse struct {
	RegistrationData string `json:"registrationData"`
	ClientData       string `json:"clientData"`
}

type u2fSignResponse struct {
	ClientData    string `json:"clientData"`
	KeyHandle     string `json:"keyHandle"`
	SignatureData string `json:"signatureData"`
}

func (v *U2F) VerifyRegistration(ctx context.Context, protocol, response, challenge, appID string) (*fido.RegistrationResult, error) {
	var resp u2fRegistrationResponse
	if err := json.Unmarshal([]byte(response), &resp); err != nil {
		return nil, fmt.Errorf("decoding registration response: %w", err)
	}
	clientDataRaw, err := util.B64URLDecode(resp.ClientData)
	if err != nil {
		return nil, fmt.Errorf("decoding client data: %w", err)
	}
	if err := checkChallenge(clientDataRaw, challenge); err != nil {
		return nil, err
	}
	regData, err := util.B64URLDecode(resp.RegistrationData)
	if err != nil {
		return nil, fmt.Errorf("decoding registration data: %w", err)
	}

	// Framing: reserved byte, public key, key handle length, key handle,
	// attestation certificate, signature.
	if len(regData) < 1+u2fPublicKeyLength+1 || regData[0] != u2fRegistrationReserved {
		return nil, fmt.Errorf("malformed registration data: %w", fido.ErrSignatureInvalid)
	}
	pubKey := regData[1 : 1+u2fPublicKeyLength]
	khLen := int(regData[1+u2fPublicKeyLength])
	rest := regData[1+u2fPublicKeyLength+1:]
	if len(rest) < khLen {
		return nil, fmt.Errorf("truncated key handle: %w", fido.ErrSignatureInvalid)
	}
	keyHandle := rest[:khLen]
	// The certificate length is only discoverable from its ASN.1 header;
	// everything after it is the signature.
	var rawCert asn1.RawValue
	signature, err := asn1.Unmarshal(rest[khLen:], &rawCert)
	if err != nil {
		return nil, fmt.Errorf("parsing attestation certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(rawCert.FullBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing attestation certificate: %w", err)
	}

	appHash := sha256.Sum256([]byte(appID))
	cdHash := sha256.Sum256(clientDataRaw)
	signed := make([]byte, 0, 1+2*sha256.Size+khLen+u2fPublicKeyLength)
	signed = append(signed, 0x00)
	signed = append(signed, appHash[:]...)
	signed = append(signed, cdHash[:]...)
	signed = append(signed, keyHandle...)
	signed = append(signed, pubKey...)

	attKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("attestation key is not ECDSA: %w", fido.ErrSignatureInvalid)
	}
	digest := sha256.Sum256(signed)
	if !ecdsa.VerifyASN1(attKey, digest[:], signature) {
		return nil, fmt.Errorf("registration signature: %w", fido.ErrSignatureInvalid)
	}
	if _, err := parseP256(pubKey); err != nil {
		return nil, err
	}

	return &fido.RegistrationResult{
		KeyHandle: util.B64URLEncode(keyHandle),
		PublicKey: util.B64URLEncode(pubKey),
		KeyType:   "ECDSA_P256",
	}, nil
}

func (v *U2F) VerifyAssertion(ctx context.Context, protocol, response, publicKey, challenge, appID string) (*fido.AssertionResult, error) {
	var resp u2fSignResponse
	if err := json.Unmarshal([]byte(response), &resp); err != nil {
		return nil, fmt.Errorf("decoding sign response: %w", err)
	}
	clientDataRaw, err := util.B64URLDecode(resp.ClientData)
	if err != nil {
		return nil, fmt.Errorf("decoding client data: %w", err)
	}
	if err := checkChallenge(clientDataRaw, challenge); err != nil {
		return nil, err
	}
	sigData, err := util.B64URLDecode(resp.SignatureData)
	if err != nil {
		return nil, fmt.Errorf("decoding signature data: %w", err)
	}
	// Framing: presence byte, big-endian counter, DER signature.
	if len(sigData) < 5 {
		return nil, fmt.Errorf("truncated signature data: %w", fido.ErrSignatureInvalid)
	}
	presence := sigData[0]
	counter := binary.BigEndian.Uint32(sigData[1:5])
	signature := sigData[5:]

	keyRaw, err := util.B64URLDecode(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decoding registered public key: %w", err)
	}
	key, err := parseP256(keyRaw)
	if err != nil {
		return nil, err
	}

	appHash := sha256.Sum256([]byte(appID))
	cdHash := sha256.Sum256(clientDataRaw)
	signed := make([]byte, 0, 2*sha256.Size+5)
	signed = append(signed, appHash[:]...)
	signed = append(signed, sigData[:5]...)
	signed = append(signed, cdHash[:]...)

	digest := sha256.Sum256(signed)
	if !ecdsa.VerifyASN1(key, digest[:], signature) {
		return nil, fmt.Errorf("assertion signature: %w", fido.ErrSignatureInvalid)
	}

	return &fido.AssertionResult{
		Counter:     counter,
		UserPresent: presence&u2fPresenceFlag != 0,
	}, nil
}

func checkChallenge(clientDataRaw []byte, challenge string) error {
	var cd u2fClientData
	if err := json.Unmarshal(clientDataRaw, &cd); err != nil {
		return fmt.Errorf("decoding client data: %w", err)
	}
	if cd.Challenge != challenge {
		return fmt.Errorf("challenge mismatch: %w", fido.ErrSignatureInvalid)
	}
	return nil
}

// parseP256 decodes a 65-byte uncompressed P-256 point.
func parseP256(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != u2fPublicKeyLength || raw[0] != 0x04 {
		return nil, fmt.Errorf("malformed public key: %w", fido.ErrSignatureInvalid)
	}
	x := new(big.Int).SetBytes(raw[1:33])
	y := new(big.Int).SetBytes(raw[33:65])
	key := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	if !key.Curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("public key not on curve: %w", fido.ErrSignatureInvalid)
	}
	return key, nil
}
