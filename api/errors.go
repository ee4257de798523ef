package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/fidogate/fido"
	"github.com/jmcleod/fidogate/keyhandle"
	"github.com/jmcleod/fidogate/policy"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates engine errors into HTTP responses. Ceremony rejections
// carry their sentinel message; internal faults are logged and answered with
// a fixed message so no collaborator error text reaches the client.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fido.ErrInvalidArgument),
		errors.Is(err, fido.ErrUnsupportedProtocol),
		errors.Is(err, fido.ErrSessionNotFound),
		errors.Is(err, fido.ErrIdentityMismatch),
		errors.Is(err, fido.ErrOriginMismatch),
		errors.Is(err, fido.ErrUserPresenceRequired),
		errors.Is(err, fido.ErrReplayDetected),
		errors.Is(err, fido.ErrSignatureInvalid),
		errors.Is(err, fido.ErrUntrustedAuthenticator),
		errors.Is(err, keyhandle.ErrDecryptionFailed),
		errors.Is(err, policy.ErrParse),
		errors.Is(err, policy.ErrUnknownExtension),
		errors.Is(err, policy.ErrExpired),
		errors.Is(err, policy.ErrNotYetValid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fido.ErrNoCredentialsFound),
		errors.Is(err, fido.ErrCredentialNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		a.audit.logger.ErrorContext(r.Context(), "internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
