package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/fidogate/fido"
)

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// RegistrationChallenge handles POST /registration/challenge.
func (a *API) RegistrationChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reply, err := a.engine.PreRegister(r.Context(), fido.PreRegisterRequest{
		DomainID:    req.SVCInfo.DomainID,
		Username:    req.Payload.Username,
		DisplayName: req.Payload.DisplayName,
		Protocol:    req.SVCInfo.Protocol,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditRegistrationChallenge, r, req.SVCInfo.DomainID, req.Payload.Username)
	writeJSON(w, http.StatusOK, reply)
}

// Register handles POST /registration.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reply, err := a.engine.Register(r.Context(), fido.RegisterRequest{
		DomainID: req.SVCInfo.DomainID,
		Protocol: req.SVCInfo.Protocol,
		Response: req.Payload.Response,
		Metadata: req.Payload.Metadata,
	})
	if err != nil {
		a.audit.logFailure(AuditRegistrationFailure, r, req.SVCInfo.DomainID, err.Error())
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditRegistered, r,
		slog.String("did", req.SVCInfo.DomainID),
		slog.String("credential_id", reply.CredentialID))
	writeJSON(w, http.StatusOK, RegisterResponse{CredentialID: reply.CredentialID})
}

// AuthenticationChallenge handles POST /authentication/challenge.
func (a *API) AuthenticationChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reply, err := a.engine.PreAuthenticate(r.Context(), fido.PreAuthenticateRequest{
		DomainID: req.SVCInfo.DomainID,
		Username: req.Payload.Username,
		Protocol: req.SVCInfo.Protocol,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditAuthenticationChallenge, r, req.SVCInfo.DomainID, req.Payload.Username,
		slog.Int("challenges", len(reply.Challenges)))
	writeJSON(w, http.StatusOK, reply)
}

// Authenticate handles POST /authentication.
func (a *API) Authenticate(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reply, err := a.engine.Authenticate(r.Context(), fido.AuthenticateRequest{
		DomainID: req.SVCInfo.DomainID,
		Protocol: req.SVCInfo.Protocol,
		Response: req.Payload.Response,
		Metadata: req.Payload.Metadata,
	})
	if err != nil {
		event := AuditAuthenticationFailure
		if errors.Is(err, fido.ErrReplayDetected) {
			event = AuditReplayDetected
		}
		a.audit.logFailure(event, r, req.SVCInfo.DomainID, err.Error())
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditAuthenticated, r, req.SVCInfo.DomainID, reply.Username,
		slog.Uint64("counter", uint64(reply.Counter)))
	writeJSON(w, http.StatusOK, reply)
}

// KeysInfo handles GET /keys/{username}. The domain comes from the did
// query parameter.
func (a *API) KeysInfo(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	domainID := r.URL.Query().Get("did")
	keys, err := a.engine.KeysInfo(r.Context(), domainID, username)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditKeysListed, r, domainID, username, slog.Int("count", len(keys)))
	writeJSON(w, http.StatusOK, KeysInfoResponse{Keys: keys})
}

// Deregister handles DELETE /keys/{randomID}.
func (a *API) Deregister(w http.ResponseWriter, r *http.Request) {
	randomID := chi.URLParam(r, "randomID")
	domainID := r.URL.Query().Get("did")
	if err := a.engine.Deregister(r.Context(), domainID, randomID); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditKeyDeregistered, r, slog.String("did", domainID))
	w.WriteHeader(http.StatusNoContent)
}

// UpdateKeyStatus handles PATCH /keys/{randomID}.
func (a *API) UpdateKeyStatus(w http.ResponseWriter, r *http.Request) {
	randomID := chi.URLParam(r, "randomID")
	var req UpdateKeyStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := a.engine.UpdateKeyStatus(r.Context(), req.SVCInfo.DomainID, randomID,
		fido.Status(req.Status), req.ModifyLocation)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditKeyStatusChanged, r,
		slog.String("did", req.SVCInfo.DomainID),
		slog.String("status", req.Status))
	w.WriteHeader(http.StatusNoContent)
}
