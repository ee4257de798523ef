// Package memory provides an in-process credential store, used by tests and
// single-node deployments that do not need persistence.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/fidogate/fido"
)

// Store keeps credentials in a two-level map keyed by domain then
// credential ID. All methods hand out copies.
type Store struct {
	mu sync.RWMutex
	m  map[string]map[string]fido.Credential
}

var _ fido.CredentialStore = (*Store)(nil)

// NewStore creates an empty in-memory credential store.
func NewStore() *Store {
	return &Store{m: make(map[string]map[string]fido.Credential)}
}

func (s *Store) FindByUsername(ctx context.Context, domainID, username string) ([]fido.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []fido.Credential
	for _, cred := range s.m[domainID] {
		if strings.EqualFold(cred.Username, username) {
			out = append(out, cred)
		}
	}
	return out, nil
}

func (s *Store) FindByUsernameAndStatus(ctx context.Context, domainID, username string, status fido.Status) ([]fido.Credential, error) {
	all, err := s.FindByUsername(ctx, domainID, username)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, cred := range all {
		if cred.Status == status {
			out = append(out, cred)
		}
	}
	return out, nil
}

func (s *Store) FindByID(ctx context.Context, domainID, credentialID string) (*fido.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.m[domainID][credentialID]
	if !ok {
		return nil, fmt.Errorf("credential %q in domain %q: %w", credentialID, domainID, fido.ErrCredentialNotFound)
	}
	out := cred
	return &out, nil
}

func (s *Store) Insert(ctx context.Context, cred *fido.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	domain, ok := s.m[cred.DomainID]
	if !ok {
		domain = make(map[string]fido.Credential)
		s.m[cred.DomainID] = domain
	}
	if _, exists := domain[cred.ID]; exists {
		return fmt.Errorf("credential %q already exists in domain %q", cred.ID, cred.DomainID)
	}
	domain[cred.ID] = *cred
	return nil
}

func (s *Store) UpdateCounter(ctx context.Context, domainID, credentialID string, counter uint32, modifyLocation string, modifyDate time.Time) error {
	return s.update(domainID, credentialID, func(cred *fido.Credential) {
		cred.SignatureCounter = counter
		cred.ModifyLocation = modifyLocation
		cred.ModifyDate = modifyDate
	})
}

func (s *Store) UpdateStatus(ctx context.Context, domainID, credentialID string, status fido.Status, modifyLocation string, modifyDate time.Time) error {
	return s.update(domainID, credentialID, func(cred *fido.Credential) {
		cred.Status = status
		cred.ModifyLocation = modifyLocation
		cred.ModifyDate = modifyDate
	})
}

func (s *Store) Delete(ctx context.Context, domainID, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	domain := s.m[domainID]
	if _, ok := domain[credentialID]; !ok {
		return fmt.Errorf("credential %q in domain %q: %w", credentialID, domainID, fido.ErrCredentialNotFound)
	}
	delete(domain, credentialID)
	return nil
}

func (s *Store) update(domainID, credentialID string, mutate func(*fido.Credential)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.m[domainID][credentialID]
	if !ok {
		return fmt.Errorf("credential %q in domain %q: %w", credentialID, domainID, fido.ErrCredentialNotFound)
	}
	mutate(&cred)
	s.m[domainID][credentialID] = cred
	return nil
}
