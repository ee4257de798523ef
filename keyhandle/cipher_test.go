package keyhandle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := New([]byte("test-secret-for-key-handles"))
	require.NoError(t, err)
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.Encrypt("1", "https://example.com", "raw-key-handle")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "raw-key-handle")

	kh, err := c.Decrypt("1", sealed)
	require.NoError(t, err)
	assert.Equal(t, "raw-key-handle", kh)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c := newTestCipher(t)

	// A fresh random nonce per call: the same handle never encrypts to the
	// same ciphertext twice.
	a, err := c.Encrypt("1", "https://example.com", "raw-key-handle")
	require.NoError(t, err)
	b, err := c.Encrypt("1", "https://example.com", "raw-key-handle")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	// Both still decrypt.
	for _, sealed := range []string{a, b} {
		kh, err := c.Decrypt("1", sealed)
		require.NoError(t, err)
		assert.Equal(t, "raw-key-handle", kh)
	}
}

func TestDecryptWrongDomain(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.Encrypt("1", "https://example.com", "raw-key-handle")
	require.NoError(t, err)

	_, err = c.Decrypt("2", sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptGarbage(t *testing.T) {
	c := newTestCipher(t)

	_, err := c.Decrypt("1", "not-base64!!!")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = c.Decrypt("1", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptTampered(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.Encrypt("1", "https://example.com", "raw-key-handle")
	require.NoError(t, err)

	// Flip one character of the ciphertext.
	tampered := []byte(sealed)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}
	_, err = c.Decrypt("1", string(tampered))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDifferentSecretsCannotDecrypt(t *testing.T) {
	a, err := New([]byte("secret-a"))
	require.NoError(t, err)
	b, err := New([]byte("secret-b"))
	require.NoError(t, err)

	sealed, err := a.Encrypt("1", "", "raw-key-handle")
	require.NoError(t, err)

	_, err = b.Decrypt("1", sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
