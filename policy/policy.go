// Package policy parses and evaluates relying-party policy documents. A
// policy arrives as a base64url-encoded JSON envelope and is immutable once
// parsed; runtime checks read the snapshot taken at parse time.
package policy

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrParse indicates the policy document is malformed or missing a
	// required section.
	ErrParse = errors.New("malformed policy document")
	// ErrUnknownExtension indicates the policy names an extension outside
	// the supported set.
	ErrUnknownExtension = errors.New("unknown policy extension")
	// ErrExpired indicates the policy's end date has passed.
	ErrExpired = errors.New("policy has expired")
	// ErrNotYetValid indicates the policy's start date is in the future.
	ErrNotYetValid = errors.New("policy is not yet valid")
)

// Extensions this engine understands. A policy naming anything else is
// rejected at parse time rather than silently ignored.
var knownExtensions = map[string]struct{}{
	"example.extension": {},
	"appid":             {},
}

// System carries the operational knobs of a policy.
type System struct {
	Counter             string   `json:"counter"`
	UserVerification    []string `json:"userVerification"`
	UserPresenceTimeout int      `json:"userPresenceTimeout"`
	JWTRenewalWindow    int      `json:"jwtRenewalWindow,omitempty"`
	JWTKeyValidity      int      `json:"jwtKeyValidity,omitempty"`
	AllowedAAGUIDs      []string `json:"allowedAaguids,omitempty"`
	StoreSignatures     bool     `json:"storeSignatures,omitempty"`
}

// Algorithms lists the cryptographic suites a policy accepts.
type Algorithms struct {
	Curves        []string `json:"curves"`
	ECSignatures  []string `json:"ec_signatures"`
	RSASignatures []string `json:"rsa_signatures,omitempty"`
}

// RelyingParty identifies the party this policy protects.
type RelyingParty struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	Icon string `json:"icon,omitempty"`
}

// Registration holds registration-ceremony preferences.
type Registration struct {
	DisplayName             string   `json:"displayName"`
	ExcludeCredentials      string   `json:"excludeCredentials"`
	AuthenticatorAttachment []string `json:"authenticatorAttachment,omitempty"`
	RequireResidentKey      []string `json:"requireResidentKey,omitempty"`
}

// Authentication holds authentication-ceremony preferences.
type Authentication struct {
	AllowCredentials string `json:"allowCredentials"`
}

// Attestation holds attestation conveyance preferences.
type Attestation struct {
	Conveyance []string `json:"conveyance"`
	Formats    []string `json:"formats"`
}

// SigningCerts describes the certificates available for signing minted
// tokens.
type SigningCerts struct {
	DN             string `json:"dn"`
	CertsPerServer int    `json:"certsPerServer"`
}

// JWT configures the tokens minted on successful authentication.
type JWT struct {
	Algorithms   []string     `json:"algorithms"`
	Duration     int          `json:"duration"`
	Required     bool         `json:"required,omitempty"`
	SigningCerts SigningCerts `json:"signingCerts"`
}

// Policy is an immutable snapshot of one parsed policy document, bound to
// the domain, server, and policy identifiers it was loaded for.
type Policy struct {
	DomainID string
	ServerID string
	PolicyID string
	Version  string

	StartDate time.Time
	EndDate   time.Time // zero means open-ended

	System         System
	Algorithms     Algorithms
	RP             RelyingParty
	Registration   Registration
	Authentication Authentication
	Attestation    Attestation
	JWT            JWT
	Extensions     map[string]json.RawMessage
}

type envelope struct {
	FidoPolicy *document `json:"FidoPolicy"`
}

type document struct {
	StartDate      string                     `json:"startDate"`
	EndDate        string                     `json:"endDate"`
	Version        string                     `json:"version"`
	System         *System                    `json:"system"`
	Algorithms     *Algorithms                `json:"algorithms"`
	RP             *RelyingParty              `json:"rp"`
	Registration   *Registration              `json:"registration"`
	Authentication *Authentication            `json:"authentication"`
	Attestation    *Attestation               `json:"attestation"`
	JWT            *JWT                       `json:"jwt"`
	Extensions     map[string]json.RawMessage `json:"extensions"`
}

// Parse decodes a base64url policy envelope and validates it. The returned
// snapshot is bound to the given identifiers and never mutated afterwards.
func Parse(encoded, domainID, serverID, policyID string) (*Policy, error) {
	raw, err := decodeB64URL(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding envelope: %w: %v", ErrParse, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w: %v", ErrParse, err)
	}
	doc := env.FidoPolicy
	if doc == nil {
		return nil, fmt.Errorf("missing FidoPolicy object: %w", ErrParse)
	}

	switch {
	case doc.System == nil:
		return nil, fmt.Errorf("missing system section: %w", ErrParse)
	case doc.Algorithms == nil:
		return nil, fmt.Errorf("missing algorithms section: %w", ErrParse)
	case doc.RP == nil:
		return nil, fmt.Errorf("missing rp section: %w", ErrParse)
	case doc.Registration == nil:
		return nil, fmt.Errorf("missing registration section: %w", ErrParse)
	case doc.Authentication == nil:
		return nil, fmt.Errorf("missing authentication section: %w", ErrParse)
	case doc.Attestation == nil:
		return nil, fmt.Errorf("missing attestation section: %w", ErrParse)
	case doc.JWT == nil:
		return nil, fmt.Errorf("missing jwt section: %w", ErrParse)
	case doc.Version == "":
		return nil, fmt.Errorf("missing version: %w", ErrParse)
	case doc.RP.ID == "" || doc.RP.Name == "":
		return nil, fmt.Errorf("rp section requires id and name: %w", ErrParse)
	case doc.System.UserPresenceTimeout <= 0:
		return nil, fmt.Errorf("system.userPresenceTimeout must be positive: %w", ErrParse)
	}

	start, err := parseEpochMillis(doc.StartDate)
	if err != nil || start.IsZero() {
		return nil, fmt.Errorf("startDate %q: %w", doc.StartDate, ErrParse)
	}
	var end time.Time
	if doc.EndDate != "" {
		end, err = parseEpochMillis(doc.EndDate)
		if err != nil {
			return nil, fmt.Errorf("endDate %q: %w", doc.EndDate, ErrParse)
		}
	}

	for name := range doc.Extensions {
		if _, ok := knownExtensions[name]; !ok {
			return nil, fmt.Errorf("%q: %w", name, ErrUnknownExtension)
		}
	}

	return &Policy{
		DomainID:       domainID,
		ServerID:       serverID,
		PolicyID:       policyID,
		Version:        doc.Version,
		StartDate:      start,
		EndDate:        end,
		System:         *doc.System,
		Algorithms:     *doc.Algorithms,
		RP:             *doc.RP,
		Registration:   *doc.Registration,
		Authentication: *doc.Authentication,
		Attestation:    *doc.Attestation,
		JWT:            *doc.JWT,
		Extensions:     doc.Extensions,
	}, nil
}

// Evaluate reports whether the policy is in force at the given instant.
// It returns ErrNotYetValid before the start date, ErrExpired after the end
// date, and nil otherwise. A zero end date never expires.
func (p *Policy) Evaluate(now time.Time) error {
	if now.Before(p.StartDate) {
		return fmt.Errorf("valid from %s: %w", p.StartDate.Format(time.RFC3339), ErrNotYetValid)
	}
	if !p.EndDate.IsZero() && now.After(p.EndDate) {
		return fmt.Errorf("valid until %s: %w", p.EndDate.Format(time.RFC3339), ErrExpired)
	}
	return nil
}

// UserPresenceTimeout is the challenge lifetime as a duration.
func (p *Policy) UserPresenceTimeout() time.Duration {
	return time.Duration(p.System.UserPresenceTimeout) * time.Millisecond
}

// RequiresCounter reports whether assertions must carry a signature counter.
// Authenticators that never increment one report zero on every assertion;
// under a mandatory counter setting those are rejected.
func (p *Policy) RequiresCounter() bool {
	return strings.EqualFold(p.System.Counter, "mandatory")
}

// TrustsAAGUID reports whether the policy accepts an authenticator model.
// An empty allow-list accepts every model.
func (p *Policy) TrustsAAGUID(aaguid string) bool {
	if len(p.System.AllowedAAGUIDs) == 0 {
		return true
	}
	for _, allowed := range p.System.AllowedAAGUIDs {
		if strings.EqualFold(allowed, aaguid) {
			return true
		}
	}
	return false
}

// HasExtension reports whether the policy enables the named extension.
func (p *Policy) HasExtension(name string) bool {
	_, ok := p.Extensions[name]
	return ok
}

// decodeB64URL accepts both padded and unpadded base64url input.
func decodeB64URL(s string) ([]byte, error) {
	if raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return raw, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// Policy dates travel as string-encoded epoch milliseconds.
func parseEpochMillis(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
