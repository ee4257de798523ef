// Package session holds the short-lived state bridging a challenge to its
// signed response. Sessions are keyed by a SHA-256 digest of the challenge
// nonce (registration) or the key handle (authentication), so the map key
// never reveals the secret it indexes.
package session

import (
	"time"

	"github.com/jmcleod/fidogate/internal/util"
)

// Operation distinguishes what ceremony a session was opened for.
type Operation string

const (
	OpRegister     Operation = "register"
	OpAuthenticate Operation = "authenticate"
)

// Session is the pending state for one in-flight ceremony. It is treated as
// a value; stores hand out copies, never shared pointers.
type Session struct {
	Key          string    `json:"key"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name,omitempty"`
	Nonce        string    `json:"nonce"`
	Operation    Operation `json:"operation"`
	CreatedAt    time.Time `json:"created_at"`
	CredentialID string    `json:"credential_id,omitempty"`
	ServerID     string    `json:"server_id,omitempty"`
	PublicKey    string    `json:"public_key,omitempty"`
	AppID        string    `json:"app_id,omitempty"`
}

// Age reports how long the session has been pending.
func (s Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// KeyFor derives the store key for a challenge nonce or key handle.
func KeyFor(secret string) string {
	return util.SHA256Hex(secret)
}

// Store is the session registry. Get and Consume take the maximum age the
// caller's policy allows; entries older than that are treated as absent and
// evicted. Consume removes the session atomically so a response can complete
// a ceremony exactly once.
type Store interface {
	Put(s Session) error
	Get(key string, maxAge time.Duration) (Session, bool)
	Consume(key string, maxAge time.Duration) (Session, bool)
	Remove(key string) error
}
