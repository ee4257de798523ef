package fido

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/fidogate/internal/util"
	"github.com/jmcleod/fidogate/keyhandle"
	"github.com/jmcleod/fidogate/policy"
	"github.com/jmcleod/fidogate/session"
)

const (
	testDomain = "1"
	testOrigin = "https://example.com"
	testMeta   = `{"version":"1.0","username":"alice","create_location":"test","modify_location":"test"}`
)

// fakeCredStore is a minimal in-memory CredentialStore for engine tests.
type fakeCredStore struct {
	mu    sync.Mutex
	creds map[string]Credential
}

func newFakeCredStore() *fakeCredStore {
	return &fakeCredStore{creds: make(map[string]Credential)}
}

func (f *fakeCredStore) FindByUsername(ctx context.Context, domainID, username string) ([]Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Credential
	for _, c := range f.creds {
		if c.DomainID == domainID && strings.EqualFold(c.Username, username) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCredStore) FindByUsernameAndStatus(ctx context.Context, domainID, username string, status Status) ([]Credential, error) {
	all, _ := f.FindByUsername(ctx, domainID, username)
	out := all[:0]
	for _, c := range all {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCredStore) FindByID(ctx context.Context, domainID, credentialID string) (*Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[credentialID]
	if !ok {
		return nil, fmt.Errorf("%q: %w", credentialID, ErrCredentialNotFound)
	}
	return &c, nil
}

func (f *fakeCredStore) Insert(ctx context.Context, cred *Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[cred.ID] = *cred
	return nil
}

func (f *fakeCredStore) UpdateCounter(ctx context.Context, domainID, credentialID string, counter uint32, modifyLocation string, modifyDate time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[credentialID]
	if !ok {
		return fmt.Errorf("%q: %w", credentialID, ErrCredentialNotFound)
	}
	c.SignatureCounter = counter
	c.ModifyLocation = modifyLocation
	c.ModifyDate = modifyDate
	f.creds[credentialID] = c
	return nil
}

func (f *fakeCredStore) UpdateStatus(ctx context.Context, domainID, credentialID string, status Status, modifyLocation string, modifyDate time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[credentialID]
	if !ok {
		return fmt.Errorf("%q: %w", credentialID, ErrCredentialNotFound)
	}
	c.Status = status
	f.creds[credentialID] = c
	return nil
}

func (f *fakeCredStore) Delete(ctx context.Context, domainID, credentialID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.creds[credentialID]; !ok {
		return fmt.Errorf("%q: %w", credentialID, ErrCredentialNotFound)
	}
	delete(f.creds, credentialID)
	return nil
}

// stubCipher reversibly tags key handles so tests can see both forms.
type stubCipher struct{}

func (stubCipher) Encrypt(domainID, appID, rawKeyHandle string) (string, error) {
	return "enc:" + rawKeyHandle, nil
}

func (stubCipher) Decrypt(domainID, ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, "enc:") {
		return "", keyhandle.ErrDecryptionFailed
	}
	return strings.TrimPrefix(ciphertext, "enc:"), nil
}

type stubVerifier struct {
	reg     *RegistrationResult
	regErr  error
	asrt    *AssertionResult
	asrtErr error
}

func (s *stubVerifier) VerifyRegistration(ctx context.Context, protocol, response, challenge, appID string) (*RegistrationResult, error) {
	return s.reg, s.regErr
}

func (s *stubVerifier) VerifyAssertion(ctx context.Context, protocol, response, publicKey, challenge, appID string) (*AssertionResult, error) {
	return s.asrt, s.asrtErr
}

func testPolicy() *policy.Policy {
	return &policy.Policy{
		DomainID:  testDomain,
		ServerID:  "1",
		PolicyID:  "1",
		Version:   "1.0",
		StartDate: time.Now().Add(-time.Hour),
		System: policy.System{
			Counter:             "mandatory",
			UserPresenceTimeout: 30000,
		},
		RP: policy.RelyingParty{Name: "Example", ID: testOrigin},
	}
}

func newTestEngine(t *testing.T, v Verifier, pol *policy.Policy) (*Engine, *fakeCredStore, *session.MemoryStore) {
	t.Helper()
	store := newFakeCredStore()
	sessions := session.NewMemoryStore()
	cache := policy.NewCache()
	cache.Register(pol)
	engine := NewEngine(store, sessions, stubCipher{}, v, cache)
	return engine, store, sessions
}

func clientDataJSON(typ, challenge, origin string) string {
	cd, _ := json.Marshal(map[string]string{
		"typ":       typ,
		"challenge": challenge,
		"origin":    origin,
	})
	return util.B64URLEncode(cd)
}

func signResponse(challenge, keyHandle, origin string) string {
	resp, _ := json.Marshal(map[string]string{
		"clientData":    clientDataJSON("navigator.id.getAssertion", challenge, origin),
		"keyHandle":     keyHandle,
		"signatureData": "AQAAAAs",
	})
	return string(resp)
}

func registerResponse(challenge, origin string) string {
	resp, _ := json.Marshal(map[string]string{
		"clientData":       clientDataJSON("navigator.id.finishEnrollment", challenge, origin),
		"registrationData": "BQ",
	})
	return string(resp)
}

func activeCredential(id, keyHandle string, counter uint32) *Credential {
	return &Credential{
		ID:                 id,
		DomainID:           testDomain,
		ServerID:           "1",
		Username:           "alice",
		EncryptedKeyHandle: "enc:" + keyHandle,
		PublicKey:          "pubkey",
		SignatureCounter:   counter,
		Status:             StatusActive,
		ProtocolVersion:    ProtocolU2F,
		AppID:              testOrigin,
		CreateDate:         time.Now(),
	}
}

func TestRegisterFlow(t *testing.T) {
	v := &stubVerifier{reg: &RegistrationResult{
		KeyHandle: "kh-1",
		PublicKey: "pubkey",
		AAGUID:    "aaguid-1",
		KeyType:   "ECDSA_P256",
	}}
	engine, store, _ := newTestEngine(t, v, testPolicy())
	ctx := context.Background()

	pre, err := engine.PreRegister(ctx, PreRegisterRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	require.NoError(t, err)
	require.NotEmpty(t, pre.Challenge.Nonce)
	assert.Empty(t, pre.ExcludedKeys)

	reply, err := engine.Register(ctx, RegisterRequest{
		DomainID: testDomain,
		Protocol: "U2F_V2",
		Response: registerResponse(pre.Challenge.Nonce, testOrigin),
		Metadata: testMeta,
	})
	require.NoError(t, err)
	require.NotEmpty(t, reply.CredentialID)

	cred, err := store.FindByID(ctx, testDomain, reply.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.Username)
	assert.Equal(t, StatusActive, cred.Status)
	assert.Equal(t, uint32(0), cred.SignatureCounter)
	assert.Equal(t, "enc:kh-1", cred.EncryptedKeyHandle)
	assert.Equal(t, "aaguid-1", cred.AAGUID)

	// The session was consumed; the same response cannot register twice.
	_, err = engine.Register(ctx, RegisterRequest{
		DomainID: testDomain,
		Protocol: "U2F_V2",
		Response: registerResponse(pre.Challenge.Nonce, testOrigin),
		Metadata: testMeta,
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegisterConsumesSessionOnFailure(t *testing.T) {
	v := &stubVerifier{regErr: fmt.Errorf("bad attestation: %w", ErrSignatureInvalid)}
	engine, _, _ := newTestEngine(t, v, testPolicy())
	ctx := context.Background()

	pre, err := engine.PreRegister(ctx, PreRegisterRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	require.NoError(t, err)

	req := RegisterRequest{
		DomainID: testDomain,
		Protocol: "U2F_V2",
		Response: registerResponse(pre.Challenge.Nonce, testOrigin),
		Metadata: testMeta,
	}
	_, err = engine.Register(ctx, req)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	// A failed attempt burns the challenge.
	_, err = engine.Register(ctx, req)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegisterUntrustedAuthenticator(t *testing.T) {
	pol := testPolicy()
	pol.System.AllowedAAGUIDs = []string{"trusted-model"}
	v := &stubVerifier{reg: &RegistrationResult{KeyHandle: "kh-1", PublicKey: "pk", AAGUID: "other-model"}}
	engine, _, _ := newTestEngine(t, v, pol)
	ctx := context.Background()

	pre, err := engine.PreRegister(ctx, PreRegisterRequest{
		DomainID: testDomain, Username: "alice", Protocol: "FIDO2_0",
	})
	require.NoError(t, err)

	_, err = engine.Register(ctx, RegisterRequest{
		DomainID: testDomain,
		Protocol: "FIDO2_0",
		Response: registerResponse(pre.Challenge.Nonce, testOrigin),
		Metadata: testMeta,
	})
	assert.ErrorIs(t, err, ErrUntrustedAuthenticator)
}

func TestAuthenticateFlow(t *testing.T) {
	v := &stubVerifier{asrt: &AssertionResult{Counter: 11, UserPresent: true}}
	engine, store, _ := newTestEngine(t, v, testPolicy())
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, activeCredential("cred-1", "kh-1", 10)))

	pre, err := engine.PreAuthenticate(ctx, PreAuthenticateRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	require.NoError(t, err)
	require.Len(t, pre.Challenges, 1)
	assert.Equal(t, "kh-1", pre.Challenges[0].KeyHandle)
	assert.NotEmpty(t, pre.Challenges[0].Nonce)

	reply, err := engine.Authenticate(ctx, AuthenticateRequest{
		DomainID: testDomain,
		Protocol: "U2F_V2",
		Response: signResponse(pre.Challenges[0].Nonce, "kh-1", testOrigin),
		Metadata: testMeta,
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", reply.Username)
	assert.Equal(t, uint32(11), reply.Counter)
	assert.Empty(t, reply.Token)

	cred, err := store.FindByID(ctx, testDomain, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(11), cred.SignatureCounter)
}

func TestAuthenticateReplayDetected(t *testing.T) {
	v := &stubVerifier{asrt: &AssertionResult{Counter: 10, UserPresent: true}}
	engine, store, _ := newTestEngine(t, v, testPolicy())
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, activeCredential("cred-1", "kh-1", 10)))

	pre, err := engine.PreAuthenticate(ctx, PreAuthenticateRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	require.NoError(t, err)

	req := AuthenticateRequest{
		DomainID: testDomain,
		Protocol: "U2F_V2",
		Response: signResponse(pre.Challenges[0].Nonce, "kh-1", testOrigin),
		Metadata: testMeta,
	}
	_, err = engine.Authenticate(ctx, req)
	assert.ErrorIs(t, err, ErrReplayDetected)

	// Stored counter is untouched by the rejected attempt.
	cred, err := store.FindByID(ctx, testDomain, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(10), cred.SignatureCounter)

	// The rejection still consumed the session.
	_, err = engine.Authenticate(ctx, req)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// countingVerifier hands out a fresh, strictly increasing counter per call.
type countingVerifier struct {
	next atomic.Uint32
}

func (c *countingVerifier) VerifyRegistration(ctx context.Context, protocol, response, challenge, appID string) (*RegistrationResult, error) {
	return nil, ErrSignatureInvalid
}

func (c *countingVerifier) VerifyAssertion(ctx context.Context, protocol, response, publicKey, challenge, appID string) (*AssertionResult, error) {
	return &AssertionResult{Counter: c.next.Add(1), UserPresent: true}, nil
}

func TestAuthenticateConcurrentCounterUpdates(t *testing.T) {
	const workers = 16
	v := &countingVerifier{}
	engine, store, sessions := newTestEngine(t, v, testPolicy())
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, activeCredential("cred-1", "kh-0", 0)))

	// One pending session per in-flight assertion, all for the same credential.
	for i := 0; i < workers; i++ {
		kh := fmt.Sprintf("kh-%d", i)
		require.NoError(t, sessions.Put(session.Session{
			Key:          session.KeyFor(kh),
			Username:     "alice",
			Nonce:        fmt.Sprintf("nonce-%d", i),
			Operation:    session.OpAuthenticate,
			CredentialID: "cred-1",
			ServerID:     "1",
			PublicKey:    "pubkey",
			AppID:        testOrigin,
		}))
	}

	var mu sync.Mutex
	var accepted []uint32
	var replays int
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := engine.Authenticate(ctx, AuthenticateRequest{
				DomainID: testDomain,
				Protocol: "U2F_V2",
				Response: signResponse(fmt.Sprintf("nonce-%d", i), fmt.Sprintf("kh-%d", i), testOrigin),
				Metadata: testMeta,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted = append(accepted, reply.Counter)
			case errors.Is(err, ErrReplayDetected):
				replays++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.NotEmpty(t, accepted)
	assert.Equal(t, workers, len(accepted)+replays)

	// The stored counter is the highest accepted value; no update was lost or
	// applied out of order.
	var max uint32
	for _, c := range accepted {
		if c > max {
			max = c
		}
	}
	cred, err := store.FindByID(ctx, testDomain, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, max, cred.SignatureCounter)
}

func TestAuthenticateIdentityMismatch(t *testing.T) {
	v := &stubVerifier{asrt: &AssertionResult{Counter: 11, UserPresent: true}}
	engine, store, _ := newTestEngine(t, v, testPolicy())
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, activeCredential("cred-1", "kh-1", 10)))

	pre, err := engine.PreAuthenticate(ctx, PreAuthenticateRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	require.NoError(t, err)

	_, err = engine.Authenticate(ctx, AuthenticateRequest{
		DomainID: testDomain,
		Protocol: "U2F_V2",
		Response: signResponse(pre.Challenges[0].Nonce, "kh-1", testOrigin),
		Metadata: `{"version":"1.0","username":"mallory"}`,
	})
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestAuthenticateCounterRequiredByPolicy(t *testing.T) {
	v := &stubVerifier{asrt: &AssertionResult{Counter: 0, UserPresent: true}}
	engine, store, _ := newTestEngine(t, v, testPolicy())
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, activeCredential("cred-1", "kh-1", 0)))

	pre, err := engine.PreAuthenticate(ctx, PreAuthenticateRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	require.NoError(t, err)

	// testPolicy mandates counters, so a counter-less assertion is rejected.
	_, err = engine.Authenticate(ctx, AuthenticateRequest{
		DomainID: testDomain,
		Protocol: "U2F_V2",
		Response: signResponse(pre.Challenges[0].Nonce, "kh-1", testOrigin),
		Metadata: testMeta,
	})
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestAuthenticateCounterOptional(t *testing.T) {
	v := &stubVerifier{asrt: &AssertionResult{Counter: 0, UserPresent: true}}
	pol := testPolicy()
	pol.System.Counter = "optional"
	engine, store, _ := newTestEngine(t, v, pol)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, activeCredential("cred-1", "kh-1", 0)))

	pre, err := engine.PreAuthenticate(ctx, PreAuthenticateRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	require.NoError(t, err)

	reply, err := engine.Authenticate(ctx, AuthenticateRequest{
		DomainID: testDomain,
		Protocol: "U2F_V2",
		Response: signResponse(pre.Challenges[0].Nonce, "kh-1", testOrigin),
		Metadata: testMeta,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), reply.Counter)
}

func TestAuthenticateMetadataUsernameRequired(t *testing.T) {
	v := &stubVerifier{asrt: &AssertionResult{Counter: 11, UserPresent: true}}
	engine, store, sessions := newTestEngine(t, v, testPolicy())
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, activeCredential("cred-1", "kh-1", 10)))

	pre, err := engine.PreAuthenticate(ctx, PreAuthenticateRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	require.NoError(t, err)

	// Metadata without a username never reaches the identity check.
	_, err = engine.Authenticate(ctx, AuthenticateRequest{
		DomainID: testDomain,
		Protocol: "U2F_V2",
		Response: signResponse(pre.Challenges[0].Nonce, "kh-1", testOrigin),
		Metadata: `{"version":"1.0","modify_location":"test"}`,
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// The rejection happens before the session is touched.
	_, ok := sessions.Get(session.KeyFor("kh-1"), time.Minute)
	assert.True(t, ok)
}

func TestAuthenticateOriginMismatch(t *testing.T) {
	v := &stubVerifier{asrt: &AssertionResult{Counter: 11, UserPresent: true}}
	engine, store, _ := newTestEngine(t, v, testPolicy())
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, activeCredential("cred-1", "kh-1", 10)))

	pre, err := engine.PreAuthenticate(ctx, PreAuthenticateRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	require.NoError(t, err)

	_, err = engine.Authenticate(ctx, AuthenticateRequest{
		DomainID: testDomain,
		Protocol: "U2F_V2",
		Response: signResponse(pre.Challenges[0].Nonce, "kh-1", "https://evil.example.net"),
		Metadata: testMeta,
	})
	assert.ErrorIs(t, err, ErrOriginMismatch)
}

func TestAuthenticateUserPresenceRequired(t *testing.T) {
	v := &stubVerifier{asrt: &AssertionResult{Counter: 11, UserPresent: false}}
	engine, store, _ := newTestEngine(t, v, testPolicy())
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, activeCredential("cred-1", "kh-1", 10)))

	pre, err := engine.PreAuthenticate(ctx, PreAuthenticateRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	require.NoError(t, err)

	_, err = engine.Authenticate(ctx, AuthenticateRequest{
		DomainID: testDomain,
		Protocol: "U2F_V2",
		Response: signResponse(pre.Challenges[0].Nonce, "kh-1", testOrigin),
		Metadata: testMeta,
	})
	assert.ErrorIs(t, err, ErrUserPresenceRequired)
}

func TestAuthenticateExpiredSession(t *testing.T) {
	v := &stubVerifier{asrt: &AssertionResult{Counter: 11, UserPresent: true}}
	engine, store, sessions := newTestEngine(t, v, testPolicy())
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, activeCredential("cred-1", "kh-1", 10)))

	pre, err := engine.PreAuthenticate(ctx, PreAuthenticateRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	require.NoError(t, err)

	// Age the pending session past the policy's presence timeout.
	key := session.KeyFor("kh-1")
	sess, ok := sessions.Get(key, 0)
	require.True(t, ok)
	sess.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, sessions.Put(sess))

	_, err = engine.Authenticate(ctx, AuthenticateRequest{
		DomainID: testDomain,
		Protocol: "U2F_V2",
		Response: signResponse(pre.Challenges[0].Nonce, "kh-1", testOrigin),
		Metadata: testMeta,
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPreAuthenticateNoCredentials(t *testing.T) {
	engine, _, _ := newTestEngine(t, &stubVerifier{}, testPolicy())

	_, err := engine.PreAuthenticate(context.Background(), PreAuthenticateRequest{
		DomainID: testDomain, Username: "nobody", Protocol: "U2F_V2",
	})
	assert.ErrorIs(t, err, ErrNoCredentialsFound)
}

func TestPreAuthenticateSkipsUnusableCredential(t *testing.T) {
	engine, store, _ := newTestEngine(t, &stubVerifier{}, testPolicy())
	ctx := context.Background()

	broken := activeCredential("cred-bad", "kh-bad", 0)
	broken.EncryptedKeyHandle = "garbage"
	require.NoError(t, store.Insert(ctx, broken))
	require.NoError(t, store.Insert(ctx, activeCredential("cred-good", "kh-good", 0)))

	pre, err := engine.PreAuthenticate(ctx, PreAuthenticateRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	require.NoError(t, err)
	require.Len(t, pre.Challenges, 1)
	assert.Equal(t, "kh-good", pre.Challenges[0].KeyHandle)
}

func TestPolicyValidityWindow(t *testing.T) {
	future := testPolicy()
	future.StartDate = time.Now().Add(time.Hour)
	engine, _, _ := newTestEngine(t, &stubVerifier{}, future)

	_, err := engine.PreRegister(context.Background(), PreRegisterRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	assert.ErrorIs(t, err, policy.ErrNotYetValid)

	expired := testPolicy()
	expired.StartDate = time.Now().Add(-2 * time.Hour)
	expired.EndDate = time.Now().Add(-time.Hour)
	engine, _, _ = newTestEngine(t, &stubVerifier{}, expired)

	_, err = engine.PreRegister(context.Background(), PreRegisterRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	assert.ErrorIs(t, err, policy.ErrExpired)
}

func TestKeyLifecycle(t *testing.T) {
	engine, store, _ := newTestEngine(t, &stubVerifier{}, testPolicy())
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, activeCredential("cred-1", "kh-1", 3)))
	require.NoError(t, store.Insert(ctx, activeCredential("cred-2", "kh-2", 7)))

	keys, err := engine.KeysInfo(ctx, testDomain, "alice")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0].RandomID, keys[1].RandomID)

	require.NoError(t, engine.UpdateKeyStatus(ctx, testDomain, keys[0].RandomID, StatusDeactivated, "test"))
	require.NoError(t, engine.Deregister(ctx, testDomain, keys[1].RandomID))

	remaining, err := engine.KeysInfo(ctx, testDomain, "alice")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, StatusDeactivated, remaining[0].Status)

	// Stale or unknown handles do not resolve.
	err = engine.Deregister(ctx, testDomain, "no-such-handle")
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	err = engine.UpdateKeyStatus(ctx, testDomain, keys[0].RandomID, "FROZEN", "test")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPreRegisterListsExistingKeys(t *testing.T) {
	engine, store, _ := newTestEngine(t, &stubVerifier{}, testPolicy())
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, activeCredential("cred-1", "kh-1", 0)))

	pre, err := engine.PreRegister(ctx, PreRegisterRequest{
		DomainID: testDomain, Username: "alice", Protocol: "U2F_V2",
	})
	require.NoError(t, err)
	require.Len(t, pre.ExcludedKeys, 1)
	assert.Equal(t, "kh-1", pre.ExcludedKeys[0].KeyHandle)
}
