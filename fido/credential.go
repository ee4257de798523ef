package fido

import (
	"context"
	"time"
)

// Status is the lifecycle state of a registered credential.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusActive      Status = "ACTIVE"
	StatusDeactivated Status = "DEACTIVATED"
)

// Credential is a registered FIDO key as persisted by the credential store.
// The key handle is stored encrypted; the engine decrypts it only to build
// authentication challenges and match assertions.
type Credential struct {
	ID                 string    `json:"id"`
	DomainID           string    `json:"domain_id"`
	ServerID           string    `json:"server_id"`
	Username           string    `json:"username"`
	UserID             string    `json:"user_id,omitempty"`
	EncryptedKeyHandle string    `json:"encrypted_key_handle"`
	PublicKey          string    `json:"public_key"`
	SignatureCounter   uint32    `json:"signature_counter"`
	Transports         []string  `json:"transports,omitempty"`
	Status             Status    `json:"status"`
	ProtocolVersion    string    `json:"protocol_version"`
	AAGUID             string    `json:"aaguid,omitempty"`
	AppID              string    `json:"app_id,omitempty"`
	SignatureKeyType   string    `json:"signature_key_type,omitempty"`
	CreateDate         time.Time `json:"create_date"`
	CreateLocation     string    `json:"create_location,omitempty"`
	ModifyDate         time.Time `json:"modify_date,omitempty"`
	ModifyLocation     string    `json:"modify_location,omitempty"`
}

// CredentialStore abstracts the persistent credential registry. The engine
// treats store failures as internal faults and does not retry them.
type CredentialStore interface {
	FindByUsername(ctx context.Context, domainID, username string) ([]Credential, error)
	FindByUsernameAndStatus(ctx context.Context, domainID, username string, status Status) ([]Credential, error)
	FindByID(ctx context.Context, domainID, credentialID string) (*Credential, error)
	Insert(ctx context.Context, cred *Credential) error
	UpdateCounter(ctx context.Context, domainID, credentialID string, counter uint32, modifyLocation string, modifyDate time.Time) error
	UpdateStatus(ctx context.Context, domainID, credentialID string, status Status, modifyLocation string, modifyDate time.Time) error
	Delete(ctx context.Context, domainID, credentialID string) error
}
