package util

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

func Normalize(s string) string {
	return norm.NFKD.String(s)
}

func B64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func B64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// SHA256Hex returns the lowercase hex SHA-256 digest of s. Session map keys
// are digests of the nonce or key handle, never the raw value.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
