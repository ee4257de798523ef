// Package keyhandle encrypts authenticator key handles for storage at rest.
// Each encryption uses AES-256-GCM with a fresh random nonce, so the same
// key handle never produces the same ciphertext twice. The encryption key is
// derived once via HKDF and kept in a sealed memory enclave between uses.
package keyhandle

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/fidogate/internal/util"
)

// ErrDecryptionFailed indicates the stored key handle could not be opened.
// Callers building challenge lists treat the credential as unusable rather
// than failing the whole ceremony.
var ErrDecryptionFailed = errors.New("key handle decryption failed")

var hkdfInfo = []byte("fidogate/keyhandle/v1")

// envelope binds the encrypted handle to the domain and application it was
// registered under. The binding is inside the ciphertext, so a handle
// re-filed under another domain fails to match on decrypt.
type envelope struct {
	DomainID  string `json:"did"`
	AppID     string `json:"app,omitempty"`
	KeyHandle string `json:"kh"`
}

// Cipher seals and opens key handles with a derived AES-256 key.
type Cipher struct {
	enclave *memguard.Enclave
}

// New derives the cipher key from secret via HKDF and seals it in an
// enclave. The caller's secret slice is wiped before returning.
func New(secret []byte) (*Cipher, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty key handle secret")
	}
	key, err := util.HKDF(secret, nil, hkdfInfo)
	util.WipeBytes(secret)
	if err != nil {
		return nil, fmt.Errorf("deriving key handle key: %w", err)
	}
	// NewEnclave wipes the key slice after sealing.
	return &Cipher{enclave: memguard.NewEnclave(key)}, nil
}

// Encrypt seals a raw key handle together with its domain binding and
// returns a base64 ciphertext for storage.
func (c *Cipher) Encrypt(domainID, appID, rawKeyHandle string) (string, error) {
	if rawKeyHandle == "" {
		return "", errors.New("empty key handle")
	}
	plaintext, err := json.Marshal(envelope{DomainID: domainID, AppID: appID, KeyHandle: rawKeyHandle})
	if err != nil {
		return "", fmt.Errorf("encoding key handle envelope: %w", err)
	}
	buf, err := c.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	sealed, err := util.EncryptAESWithAAD(buf.Bytes(), plaintext, []byte(domainID))
	util.WipeBytes(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypting key handle: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored ciphertext and returns the raw key handle. Any
// decode, authentication, or domain-binding failure surfaces as
// ErrDecryptionFailed; the causes are deliberately indistinguishable.
func (c *Cipher) Decrypt(domainID, ciphertext string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	buf, err := c.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	plaintext, err := util.DecryptAESWithAAD(buf.Bytes(), sealed, []byte(domainID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	defer util.WipeBytes(plaintext)
	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if env.DomainID != domainID || env.KeyHandle == "" {
		return "", fmt.Errorf("%w: domain binding mismatch", ErrDecryptionFailed)
	}
	return env.KeyHandle, nil
}
