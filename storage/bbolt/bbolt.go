// Package bbolt provides a file-backed credential store on top of bbolt.
// Credentials are stored as JSON in one bucket per domain.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jmcleod/fidogate/fido"
)

var rootBucket = []byte("credentials")

// Store persists credentials in a single bbolt file.
type Store struct {
	db *bolt.DB
}

var _ fido.CredentialStore = (*Store)(nil)

// NewStore opens (or creates) the database file at path.
func NewStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening credential database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing credential database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) FindByUsername(ctx context.Context, domainID, username string) ([]fido.Credential, error) {
	var out []fido.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		domain := tx.Bucket(rootBucket).Bucket([]byte(domainID))
		if domain == nil {
			return nil
		}
		return domain.ForEach(func(_, v []byte) error {
			var cred fido.Credential
			if err := json.Unmarshal(v, &cred); err != nil {
				return fmt.Errorf("decoding stored credential: %w", err)
			}
			if strings.EqualFold(cred.Username, username) {
				out = append(out, cred)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
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
	var cred fido.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		domain := tx.Bucket(rootBucket).Bucket([]byte(domainID))
		if domain == nil {
			return fmt.Errorf("credential %q in domain %q: %w", credentialID, domainID, fido.ErrCredentialNotFound)
		}
		v := domain.Get([]byte(credentialID))
		if v == nil {
			return fmt.Errorf("credential %q in domain %q: %w", credentialID, domainID, fido.ErrCredentialNotFound)
		}
		return json.Unmarshal(v, &cred)
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *Store) Insert(ctx context.Context, cred *fido.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		domain, err := tx.Bucket(rootBucket).CreateBucketIfNotExists([]byte(cred.DomainID))
		if err != nil {
			return fmt.Errorf("creating domain bucket: %w", err)
		}
		if domain.Get([]byte(cred.ID)) != nil {
			return fmt.Errorf("credential %q already exists in domain %q", cred.ID, cred.DomainID)
		}
		return putCredential(domain, cred)
	})
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
	return s.db.Update(func(tx *bolt.Tx) error {
		domain := tx.Bucket(rootBucket).Bucket([]byte(domainID))
		if domain == nil || domain.Get([]byte(credentialID)) == nil {
			return fmt.Errorf("credential %q in domain %q: %w", credentialID, domainID, fido.ErrCredentialNotFound)
		}
		return domain.Delete([]byte(credentialID))
	})
}

func (s *Store) update(domainID, credentialID string, mutate func(*fido.Credential)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		domain := tx.Bucket(rootBucket).Bucket([]byte(domainID))
		if domain == nil {
			return fmt.Errorf("credential %q in domain %q: %w", credentialID, domainID, fido.ErrCredentialNotFound)
		}
		v := domain.Get([]byte(credentialID))
		if v == nil {
			return fmt.Errorf("credential %q in domain %q: %w", credentialID, domainID, fido.ErrCredentialNotFound)
		}
		var cred fido.Credential
		if err := json.Unmarshal(v, &cred); err != nil {
			return fmt.Errorf("decoding stored credential: %w", err)
		}
		mutate(&cred)
		return putCredential(domain, &cred)
	})
}

func putCredential(b *bolt.Bucket, cred *fido.Credential) error {
	v, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	return b.Put([]byte(cred.ID), v)
}
