package fido

import "fmt"

// ValidateCounter evaluates the monotonic signature counter reported by an
// authenticator against the stored value. A stored counter of zero marks a
// credential that has never authenticated; any presented value is accepted.
// Otherwise the presented value must be strictly greater than the stored
// one. On acceptance the returned value is the new counter to persist.
//
// This check is the sole defense against a cloned authenticator replaying
// captured assertions.
func ValidateCounter(stored, presented uint32) (uint32, error) {
	if stored != 0 && presented <= stored {
		return 0, fmt.Errorf("stored %d, presented %d: %w", stored, presented, ErrReplayDetected)
	}
	return presented, nil
}
