package fido

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/fidogate/internal/util"
	"github.com/jmcleod/fidogate/policy"
	"github.com/jmcleod/fidogate/session"
)

// PolicyProvider resolves the active policy for a domain.
type PolicyProvider interface {
	PolicyFor(domainID string) (*policy.Policy, error)
}

// KeyHandleCipher seals key handles for storage and opens them again when
// building authentication challenges.
type KeyHandleCipher interface {
	Encrypt(domainID, appID, rawKeyHandle string) (string, error)
	Decrypt(domainID, ciphertext string) (string, error)
}

// TokenIssuer mints the token returned after a successful authentication.
type TokenIssuer interface {
	Issue(username, domainID string, opts policy.JWT) (string, error)
}

const defaultRandomIDTTL = 5 * time.Minute

// Engine orchestrates the FIDO ceremonies. It owns no cryptography of its
// own; it sequences the collaborators and enforces session, identity,
// presence, and counter invariants on their results.
type Engine struct {
	creds    CredentialStore
	sessions session.Store
	cipher   KeyHandleCipher
	verifier Verifier
	policies PolicyProvider
	factory  *Factory
	tokens   TokenIssuer
	logger   *slog.Logger
	serverID string
	now      func() time.Time

	// counterLocks serializes the read-validate-update of the signature
	// counter per credential.
	counterLocks sync.Map

	ridMu       sync.Mutex
	randomIDs   map[string]randomIDEntry
	randomIDTTL time.Duration
}

type randomIDEntry struct {
	credentialID string
	expires      time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTokenIssuer enables token minting on successful authentication.
func WithTokenIssuer(t TokenIssuer) Option {
	return func(e *Engine) { e.tokens = t }
}

// WithChallengeEntropy sets the nonce length in bytes.
func WithChallengeEntropy(n int) Option {
	return func(e *Engine) { e.factory = NewFactory(n) }
}

// WithServerID tags sessions and credentials with this node's identity.
func WithServerID(id string) Option {
	return func(e *Engine) { e.serverID = id }
}

// WithRandomIDTTL sets how long key-listing handles stay resolvable.
func WithRandomIDTTL(d time.Duration) Option {
	return func(e *Engine) { e.randomIDTTL = d }
}

// NewEngine wires an engine from its collaborators.
func NewEngine(creds CredentialStore, sessions session.Store, cipher KeyHandleCipher, v Verifier, policies PolicyProvider, opts ...Option) *Engine {
	e := &Engine{
		creds:       creds,
		sessions:    sessions,
		cipher:      cipher,
		verifier:    v,
		policies:    policies,
		factory:     NewFactory(DefaultEntropyLength),
		logger:      slog.Default(),
		serverID:    "1",
		now:         time.Now,
		randomIDs:   make(map[string]randomIDEntry),
		randomIDTTL: defaultRandomIDTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PreRegisterRequest asks for a registration challenge.
type PreRegisterRequest struct {
	DomainID    string
	Username    string
	DisplayName string
	Protocol    string
}

// PreRegisterReply carries the challenge plus the user's already-registered
// keys, so a client can stop the authenticator re-enrolling one of them.
type PreRegisterReply struct {
	Challenge    *RegistrationChallenge    `json:"challenge"`
	ExcludedKeys []AuthenticationChallenge `json:"excludedKeys,omitempty"`
}

// PreRegister opens a registration ceremony: it mints a challenge and files
// a pending session keyed by the digest of the nonce.
func (e *Engine) PreRegister(ctx context.Context, req PreRegisterRequest) (*PreRegisterReply, error) {
	txid := uuid.NewString()
	pol, err := e.activePolicy(req.DomainID)
	if err != nil {
		return nil, err
	}
	challenge, err := e.factory.NewRegistrationChallenge(req.Protocol, req.Username)
	if err != nil {
		return nil, err
	}

	sess := session.Session{
		Key:         session.KeyFor(challenge.Nonce),
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Nonce:       challenge.Nonce,
		Operation:   session.OpRegister,
		CreatedAt:   e.now(),
		ServerID:    e.serverID,
		AppID:       pol.RP.ID,
	}
	if err := e.sessions.Put(sess); err != nil {
		return nil, fmt.Errorf("storing registration session: %w: %v", ErrInternal, err)
	}

	excluded := e.challengesForUser(ctx, txid, pol, req.Protocol, req.Username, StatusActive)

	e.logger.Info("registration challenge issued",
		"txid", txid, "did", req.DomainID, "username", req.Username, "protocol", challenge.Version)
	return &PreRegisterReply{Challenge: challenge, ExcludedKeys: excluded}, nil
}

// RegisterRequest completes a registration ceremony. Response and Metadata
// are the raw JSON documents produced by the client.
type RegisterRequest struct {
	DomainID string
	Protocol string
	Response string
	Metadata string
}

// RegisterReply reports the stored credential.
type RegisterReply struct {
	CredentialID string `json:"credentialId"`
}

// Register validates a signed registration response and persists the new
// credential. The pending session is consumed whether or not the response
// verifies; a failed attempt cannot be retried against the same challenge.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*RegisterReply, error) {
	txid := uuid.NewString()
	if req.Response == "" || req.Metadata == "" {
		return nil, fmt.Errorf("response and metadata are required: %w", ErrInvalidArgument)
	}
	if !SupportedProtocol(req.Protocol) {
		return nil, fmt.Errorf("%q: %w", req.Protocol, ErrUnsupportedProtocol)
	}
	pol, err := e.activePolicy(req.DomainID)
	if err != nil {
		return nil, err
	}
	var meta requestMetadata
	if err := json.Unmarshal([]byte(req.Metadata), &meta); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", ErrInvalidArgument)
	}

	cd, _, err := parseSignedResponse(req.Response)
	if err != nil {
		return nil, err
	}
	sess, ok := e.sessions.Consume(session.KeyFor(cd.challenge()), pol.UserPresenceTimeout())
	if !ok {
		return nil, fmt.Errorf("registration: %w", ErrSessionNotFound)
	}
	if sess.Operation != session.OpRegister {
		return nil, fmt.Errorf("session opened for %s: %w", sess.Operation, ErrSessionNotFound)
	}

	result, err := e.verifier.VerifyRegistration(ctx, req.Protocol, req.Response, sess.Nonce, sess.AppID)
	if err != nil {
		e.logger.Warn("registration rejected",
			"txid", txid, "did", req.DomainID, "username", sess.Username, "error", err)
		return nil, err
	}
	if !pol.TrustsAAGUID(result.AAGUID) {
		return nil, fmt.Errorf("aaguid %q: %w", result.AAGUID, ErrUntrustedAuthenticator)
	}

	sealed, err := e.cipher.Encrypt(req.DomainID, sess.AppID, result.KeyHandle)
	if err != nil {
		return nil, fmt.Errorf("sealing key handle: %w: %v", ErrInternal, err)
	}
	now := e.now()
	cred := &Credential{
		ID:                 uuid.NewString(),
		DomainID:           req.DomainID,
		ServerID:           e.serverID,
		Username:           sess.Username,
		EncryptedKeyHandle: sealed,
		PublicKey:          result.PublicKey,
		SignatureCounter:   0,
		Transports:         result.Transports,
		Status:             StatusActive,
		ProtocolVersion:    canonicalProtocol(req.Protocol),
		AAGUID:             result.AAGUID,
		AppID:              sess.AppID,
		SignatureKeyType:   result.KeyType,
		CreateDate:         now,
		CreateLocation:     meta.CreateLocation,
	}
	if err := e.creds.Insert(ctx, cred); err != nil {
		return nil, fmt.Errorf("storing credential: %w: %v", ErrInternal, err)
	}

	e.logger.Info("credential registered",
		"txid", txid, "did", req.DomainID, "username", sess.Username,
		"credential_id", cred.ID, "protocol", cred.ProtocolVersion, "aaguid", cred.AAGUID)
	return &RegisterReply{CredentialID: cred.ID}, nil
}

// PreAuthenticateRequest asks for authentication challenges.
type PreAuthenticateRequest struct {
	DomainID string
	Username string
	Protocol string
}

// PreAuthenticateReply carries one challenge per usable credential.
type PreAuthenticateReply struct {
	Challenges []AuthenticationChallenge `json:"challenges"`
}

// PreAuthenticate opens an authentication ceremony: one challenge and one
// pending session per active credential, each keyed by the digest of its
// key handle. A credential whose stored handle no longer decrypts is skipped
// rather than failing the ceremony.
func (e *Engine) PreAuthenticate(ctx context.Context, req PreAuthenticateRequest) (*PreAuthenticateReply, error) {
	txid := uuid.NewString()
	if req.Username == "" {
		return nil, fmt.Errorf("username: %w", ErrInvalidArgument)
	}
	if !SupportedProtocol(req.Protocol) {
		return nil, fmt.Errorf("%q: %w", req.Protocol, ErrUnsupportedProtocol)
	}
	pol, err := e.activePolicy(req.DomainID)
	if err != nil {
		return nil, err
	}
	challenges := e.challengesForUser(ctx, txid, pol, req.Protocol, req.Username, StatusActive)
	if len(challenges) == 0 {
		return nil, fmt.Errorf("user %q in domain %q: %w", req.Username, req.DomainID, ErrNoCredentialsFound)
	}
	e.logger.Info("authentication challenges issued",
		"txid", txid, "did", req.DomainID, "username", req.Username, "count", len(challenges))
	return &PreAuthenticateReply{Challenges: challenges}, nil
}

// challengesForUser builds authentication challenges for every credential of
// the user in the given status, filing a pending session per challenge.
func (e *Engine) challengesForUser(ctx context.Context, txid string, pol *policy.Policy, protocol, username string, status Status) []AuthenticationChallenge {
	creds, err := e.creds.FindByUsernameAndStatus(ctx, pol.DomainID, username, status)
	if err != nil {
		e.logger.Error("listing credentials", "txid", txid, "did", pol.DomainID, "username", username, "error", err)
		return nil
	}
	var out []AuthenticationChallenge
	for _, cred := range creds {
		keyHandle, err := e.cipher.Decrypt(pol.DomainID, cred.EncryptedKeyHandle)
		if err != nil {
			e.logger.Warn("unusable credential skipped",
				"txid", txid, "did", pol.DomainID, "credential_id", cred.ID, "error", err)
			continue
		}
		nonce, err := util.RandomNonce(e.factory.entropy)
		if err != nil {
			e.logger.Error("generating nonce", "txid", txid, "error", err)
			continue
		}
		challenge, err := e.factory.NewAuthenticationChallenge(protocol, username, keyHandle, pol.RP.ID, cred.Transports)
		if err != nil {
			continue
		}
		sess := session.Session{
			Key:          session.KeyFor(keyHandle),
			Username:     username,
			Nonce:        util.B64URLEncode(nonce),
			Operation:    session.OpAuthenticate,
			CreatedAt:    e.now(),
			CredentialID: cred.ID,
			ServerID:     e.serverID,
			PublicKey:    cred.PublicKey,
			AppID:        pol.RP.ID,
		}
		if err := e.sessions.Put(sess); err != nil {
			e.logger.Error("storing authentication session", "txid", txid, "error", err)
			continue
		}
		challenge.Nonce = sess.Nonce
		out = append(out, *challenge)
	}
	return out
}

// AuthenticateRequest completes an authentication ceremony.
type AuthenticateRequest struct {
	DomainID string
	Protocol string
	Response string
	Metadata string
}

// AuthenticateReply reports the authenticated user, the accepted counter,
// and an optional token.
type AuthenticateReply struct {
	Username string `json:"username"`
	Counter  uint32 `json:"counter"`
	Token    string `json:"token,omitempty"`
}

// Authenticate validates a signed assertion. The pending session is consumed
// up front, so any rejection, including a replayed counter, invalidates the
// challenge.
func (e *Engine) Authenticate(ctx context.Context, req AuthenticateRequest) (*AuthenticateReply, error) {
	txid := uuid.NewString()
	if req.Response == "" || req.Metadata == "" {
		return nil, fmt.Errorf("response and metadata are required: %w", ErrInvalidArgument)
	}
	if !SupportedProtocol(req.Protocol) {
		return nil, fmt.Errorf("%q: %w", req.Protocol, ErrUnsupportedProtocol)
	}
	pol, err := e.activePolicy(req.DomainID)
	if err != nil {
		return nil, err
	}
	var meta requestMetadata
	if err := json.Unmarshal([]byte(req.Metadata), &meta); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", ErrInvalidArgument)
	}
	if meta.Username == "" {
		return nil, fmt.Errorf("metadata username is required: %w", ErrInvalidArgument)
	}

	cd, keyHandle, err := parseSignedResponse(req.Response)
	if err != nil {
		return nil, err
	}
	if keyHandle == "" {
		return nil, fmt.Errorf("key handle: %w", ErrInvalidArgument)
	}
	sess, ok := e.sessions.Consume(session.KeyFor(keyHandle), pol.UserPresenceTimeout())
	if !ok {
		return nil, fmt.Errorf("authentication: %w", ErrSessionNotFound)
	}
	if sess.Operation != session.OpAuthenticate {
		return nil, fmt.Errorf("session opened for %s: %w", sess.Operation, ErrSessionNotFound)
	}

	if !strings.EqualFold(util.Normalize(meta.Username), util.Normalize(sess.Username)) {
		e.logger.Warn("identity mismatch",
			"txid", txid, "did", req.DomainID, "asserted", meta.Username, "session", sess.Username)
		return nil, fmt.Errorf("asserted %q: %w", meta.Username, ErrIdentityMismatch)
	}
	if err := checkOrigin(cd.Origin, sess.AppID); err != nil {
		e.logger.Warn("origin mismatch",
			"txid", txid, "did", req.DomainID, "origin", cd.Origin, "app_id", sess.AppID)
		return nil, err
	}

	result, err := e.verifier.VerifyAssertion(ctx, req.Protocol, req.Response, sess.PublicKey, sess.Nonce, sess.AppID)
	if err != nil {
		e.logger.Warn("assertion rejected",
			"txid", txid, "did", req.DomainID, "username", sess.Username, "error", err)
		return nil, err
	}
	if !result.UserPresent {
		return nil, fmt.Errorf("credential %q: %w", sess.CredentialID, ErrUserPresenceRequired)
	}
	if pol.RequiresCounter() && result.Counter == 0 {
		e.logger.Warn("assertion carries no counter",
			"txid", txid, "did", req.DomainID, "username", sess.Username, "credential_id", sess.CredentialID)
		return nil, fmt.Errorf("policy requires a signature counter: %w", ErrSignatureInvalid)
	}

	// The counter read, validation, and write must be atomic per credential.
	unlock := e.lockCredential(req.DomainID, sess.CredentialID)
	defer unlock()

	cred, err := e.creds.FindByID(ctx, req.DomainID, sess.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w: %v", ErrInternal, err)
	}
	next, err := ValidateCounter(cred.SignatureCounter, result.Counter)
	if err != nil {
		e.logger.Warn("replay detected",
			"txid", txid, "did", req.DomainID, "username", sess.Username,
			"credential_id", cred.ID, "stored", cred.SignatureCounter, "presented", result.Counter)
		return nil, err
	}
	if err := e.creds.UpdateCounter(ctx, req.DomainID, cred.ID, next, meta.ModifyLocation, e.now()); err != nil {
		return nil, fmt.Errorf("storing counter: %w: %v", ErrInternal, err)
	}

	reply := &AuthenticateReply{Username: sess.Username, Counter: next}
	if e.tokens != nil {
		token, err := e.tokens.Issue(sess.Username, req.DomainID, pol.JWT)
		if err != nil {
			return nil, fmt.Errorf("issuing token: %w: %v", ErrInternal, err)
		}
		reply.Token = token
	}

	e.logger.Info("authentication succeeded",
		"txid", txid, "did", req.DomainID, "username", sess.Username,
		"credential_id", cred.ID, "counter", next)
	return reply, nil
}

// KeyInfo describes one registered credential for key-management clients.
// RandomID is an opaque short-lived handle; management calls accept it in
// place of the credential's real identifier.
type KeyInfo struct {
	RandomID       string    `json:"randomid"`
	Username       string    `json:"username"`
	Status         Status    `json:"status"`
	Protocol       string    `json:"fidoProtocol"`
	SignatureCount uint32    `json:"signatureCount"`
	CreateDate     time.Time `json:"createDate"`
	CreateLocation string    `json:"createLocation,omitempty"`
	ModifyDate     time.Time `json:"modifyDate,omitempty"`
	ModifyLocation string    `json:"modifyLocation,omitempty"`
}

// KeysInfo lists a user's credentials, minting a fresh random handle for
// each. Handles expire after the configured TTL.
func (e *Engine) KeysInfo(ctx context.Context, domainID, username string) ([]KeyInfo, error) {
	if username == "" {
		return nil, fmt.Errorf("username: %w", ErrInvalidArgument)
	}
	creds, err := e.creds.FindByUsername(ctx, domainID, username)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w: %v", ErrInternal, err)
	}
	now := e.now()
	out := make([]KeyInfo, 0, len(creds))
	e.ridMu.Lock()
	defer e.ridMu.Unlock()
	for _, cred := range creds {
		rid := uuid.NewString()
		e.randomIDs[domainID+"/"+rid] = randomIDEntry{
			credentialID: cred.ID,
			expires:      now.Add(e.randomIDTTL),
		}
		out = append(out, KeyInfo{
			RandomID:       rid,
			Username:       cred.Username,
			Status:         cred.Status,
			Protocol:       cred.ProtocolVersion,
			SignatureCount: cred.SignatureCounter,
			CreateDate:     cred.CreateDate,
			CreateLocation: cred.CreateLocation,
			ModifyDate:     cred.ModifyDate,
			ModifyLocation: cred.ModifyLocation,
		})
	}
	return out, nil
}

// Deregister deletes the credential referenced by a random handle.
func (e *Engine) Deregister(ctx context.Context, domainID, randomID string) error {
	credID, err := e.resolveRandomID(domainID, randomID)
	if err != nil {
		return err
	}
	if err := e.creds.Delete(ctx, domainID, credID); err != nil {
		return err
	}
	e.logger.Info("credential deregistered", "did", domainID, "credential_id", credID)
	return nil
}

// UpdateKeyStatus activates or deactivates the credential referenced by a
// random handle.
func (e *Engine) UpdateKeyStatus(ctx context.Context, domainID, randomID string, status Status, modifyLocation string) error {
	switch status {
	case StatusActive, StatusDeactivated:
	default:
		return fmt.Errorf("status %q: %w", status, ErrInvalidArgument)
	}
	credID, err := e.resolveRandomID(domainID, randomID)
	if err != nil {
		return err
	}
	if err := e.creds.UpdateStatus(ctx, domainID, credID, status, modifyLocation, e.now()); err != nil {
		return err
	}
	e.logger.Info("credential status updated", "did", domainID, "credential_id", credID, "status", status)
	return nil
}

func (e *Engine) resolveRandomID(domainID, randomID string) (string, error) {
	if randomID == "" {
		return "", fmt.Errorf("random id: %w", ErrInvalidArgument)
	}
	e.ridMu.Lock()
	defer e.ridMu.Unlock()
	key := domainID + "/" + randomID
	entry, ok := e.randomIDs[key]
	if !ok || e.now().After(entry.expires) {
		delete(e.randomIDs, key)
		return "", fmt.Errorf("random id %q: %w", randomID, ErrCredentialNotFound)
	}
	return entry.credentialID, nil
}

func (e *Engine) activePolicy(domainID string) (*policy.Policy, error) {
	if domainID == "" {
		return nil, fmt.Errorf("domain id: %w", ErrInvalidArgument)
	}
	pol, err := e.policies.PolicyFor(domainID)
	if err != nil {
		return nil, fmt.Errorf("resolving policy: %w: %v", ErrInternal, err)
	}
	if err := pol.Evaluate(e.now()); err != nil {
		return nil, err
	}
	return pol, nil
}

func (e *Engine) lockCredential(domainID, credentialID string) func() {
	v, _ := e.counterLocks.LoadOrStore(domainID+"/"+credentialID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// requestMetadata is the client-supplied context accompanying a signed
// response.
type requestMetadata struct {
	Version        string `json:"version"`
	Username       string `json:"username"`
	CreateLocation string `json:"create_location"`
	ModifyLocation string `json:"modify_location"`
}

// responseClientData is the browser-produced client data document. Legacy
// U2F uses "typ"; WebAuthn uses "type".
type responseClientData struct {
	Typ       string `json:"typ"`
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

func (cd responseClientData) challenge() string { return cd.Challenge }

// signedResponse covers both wire shapes: the flat legacy U2F document and
// the nested WebAuthn credential.
type signedResponse struct {
	ClientData string `json:"clientData"`
	KeyHandle  string `json:"keyHandle"`
	ID         string `json:"id"`
	Response   *struct {
		ClientDataJSON string `json:"clientDataJSON"`
	} `json:"response"`
}

// parseSignedResponse extracts the client data and the credential reference
// from a raw response document, without verifying anything.
func parseSignedResponse(raw string) (responseClientData, string, error) {
	var resp signedResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return responseClientData{}, "", fmt.Errorf("decoding response: %w", ErrInvalidArgument)
	}
	var (
		cdRaw     []byte
		err       error
		keyHandle string
	)
	switch {
	case resp.Response != nil && resp.Response.ClientDataJSON != "":
		cdRaw, err = util.B64URLDecode(resp.Response.ClientDataJSON)
		keyHandle = resp.ID
	case resp.ClientData != "":
		cdRaw, err = util.B64URLDecode(resp.ClientData)
		keyHandle = resp.KeyHandle
	default:
		return responseClientData{}, "", fmt.Errorf("missing client data: %w", ErrInvalidArgument)
	}
	if err != nil {
		return responseClientData{}, "", fmt.Errorf("decoding client data: %w", ErrInvalidArgument)
	}
	var cd responseClientData
	if err := json.Unmarshal(cdRaw, &cd); err != nil {
		return responseClientData{}, "", fmt.Errorf("decoding client data: %w", ErrInvalidArgument)
	}
	return cd, keyHandle, nil
}

// checkOrigin accepts an origin that equals the application identity or is
// the web origin the identity URL lives under.
func checkOrigin(origin, appID string) error {
	o := strings.TrimRight(strings.ToLower(origin), "/")
	a := strings.TrimRight(strings.ToLower(appID), "/")
	if o == "" || a == "" {
		return fmt.Errorf("origin %q: %w", origin, ErrOriginMismatch)
	}
	if o == a || strings.HasPrefix(a, o+"/") {
		return nil
	}
	// A bare RP ID matches any https origin for that host.
	if !strings.Contains(a, "://") && (o == "https://"+a || strings.HasSuffix(o, "."+a)) {
		return nil
	}
	return fmt.Errorf("origin %q does not match %q: %w", origin, appID, ErrOriginMismatch)
}
