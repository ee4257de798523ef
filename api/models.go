package api

import "github.com/jmcleod/fidogate/fido"

// ServiceInfo identifies the calling domain on every request.
type ServiceInfo struct {
	DomainID string `json:"did"`
	Protocol string `json:"protocol"`
}

// ChallengePayload is the payload for both challenge endpoints.
type ChallengePayload struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayname,omitempty"`
}

// ChallengeRequest is the JSON body for POST /registration/challenge and
// POST /authentication/challenge.
type ChallengeRequest struct {
	SVCInfo ServiceInfo      `json:"svcinfo"`
	Payload ChallengePayload `json:"payload"`
}

// ResponsePayload carries a signed authenticator response. Response and
// Metadata are raw JSON documents passed through to the engine untouched.
type ResponsePayload struct {
	Response string `json:"response"`
	Metadata string `json:"metadata"`
}

// CompleteRequest is the JSON body for POST /registration and
// POST /authentication.
type CompleteRequest struct {
	SVCInfo ServiceInfo     `json:"svcinfo"`
	Payload ResponsePayload `json:"payload"`
}

// RegisterResponse is returned from POST /registration.
type RegisterResponse struct {
	CredentialID string `json:"credentialId"`
}

// KeysInfoResponse is returned from GET /keys/{username}.
type KeysInfoResponse struct {
	Keys []fido.KeyInfo `json:"keys"`
}

// UpdateKeyStatusRequest is the JSON body for PATCH /keys/{randomID}.
type UpdateKeyStatusRequest struct {
	SVCInfo        ServiceInfo `json:"svcinfo"`
	Status         string      `json:"status"`
	ModifyLocation string      `json:"modify_location,omitempty"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
