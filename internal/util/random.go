package util

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomNonce returns n unpredictable bytes for use as a challenge nonce.
// The primary CSPRNG output is mixed with a second stream expanded from an
// independently drawn seed, so nonce sequences produced by rapid successive
// calls never share generator state.
func RandomNonce(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("nonce length %d out of range", n)
	}
	primary, err := RandomBytes(n)
	if err != nil {
		return nil, err
	}
	seed, err := RandomBytes(20)
	if err != nil {
		return nil, err
	}
	secondary := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte("nonce")), secondary); err != nil {
		return nil, fmt.Errorf("expanding nonce seed: %w", err)
	}
	return Xor(primary, secondary)
}
