package policystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-admission-node/cryptoutils"
	"github.com/ruteri/tee-admission-node/interfaces"
)

// Store reads and writes policy store records through a backend, sealing
// the identity private key with the node's sealing key material before it
// leaves memory.
type Store struct {
	backend    interfaces.StoreBackend
	sealingKey []byte
	log        *slog.Logger
}

// New creates a store over the given backend. The sealing key material is
// typically derived from the platform's sealing capability; it must be
// stable across restarts of the same node.
func New(backend interfaces.StoreBackend, sealingKey []byte, log *slog.Logger) (*Store, error) {
	if len(sealingKey) == 0 {
		return nil, errors.New("empty sealing key")
	}
	return &Store{backend: backend, sealingKey: sealingKey, log: log}, nil
}

// Exists reports whether a record has been persisted.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	return s.backend.Exists(ctx)
}

// Save seals the private key into the record and persists it atomically.
// The caller's record is updated with the sealed key bytes.
func (s *Store) Save(ctx context.Context, rec *Record, identityKey cryptoutils.IdentityPrivkey) error {
	sealed, err := cryptoutils.SealWithKey(s.sealingKey, identityKey)
	if err != nil {
		return fmt.Errorf("failed to seal identity key: %w", err)
	}
	rec.SealedIdentityKey = sealed

	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	if err := s.backend.Save(ctx, data); err != nil {
		return fmt.Errorf("failed to persist record to %s: %w", s.backend.Name(), err)
	}

	s.log.Debug("Persisted policy store record",
		slog.String("backend", s.backend.Name()),
		slog.Int("size", len(data)))

	return nil
}

// Load reads the record, verifies its integrity, and unseals the identity
// private key. A record whose sealed key does not pair with the stored
// public key, or whose admission certificate is bound to a different key,
// fails with ErrStoreCorrupt: partial state must never look valid.
func (s *Store) Load(ctx context.Context) (*Record, cryptoutils.IdentityPrivkey, error) {
	data, err := s.backend.Load(ctx)
	if err != nil {
		return nil, nil, err
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, nil, err
	}

	keyPEM, err := cryptoutils.OpenWithKey(s.sealingKey, rec.SealedIdentityKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: identity key does not unseal: %v", interfaces.ErrStoreCorrupt, err)
	}

	identityKey, err := cryptoutils.NewIdentityPrivkey(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unsealed identity key invalid: %v", interfaces.ErrStoreCorrupt, err)
	}

	derivedPub, err := identityKey.GetPublicKey()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", interfaces.ErrStoreCorrupt, err)
	}

	storedPub, err := cryptoutils.NewIdentityPubkey(rec.IdentityPubkey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: stored public key invalid: %v", interfaces.ErrStoreCorrupt, err)
	}

	match, err := derivedPub.Equal(storedPub)
	if err != nil || !match {
		return nil, nil, fmt.Errorf("%w: identity key pair mismatch", interfaces.ErrStoreCorrupt)
	}

	if len(rec.AdmissionCert) > 0 {
		anchor, err := cryptoutils.NewPolicyCert(rec.PolicyCert)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: stored policy cert invalid: %v", interfaces.ErrStoreCorrupt, err)
		}
		cert, err := cryptoutils.NewAdmissionCert(rec.AdmissionCert)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: stored admission cert invalid: %v", interfaces.ErrStoreCorrupt, err)
		}
		if err := cryptoutils.VerifyAdmissionCert(anchor, cert, storedPub); err != nil {
			return nil, nil, fmt.Errorf("%w: stored admission cert does not match identity key: %v", interfaces.ErrStoreCorrupt, err)
		}
	}

	s.log.Debug("Loaded policy store record",
		slog.String("backend", s.backend.Name()),
		slog.Bool("certified", len(rec.AdmissionCert) > 0))

	return rec, identityKey, nil
}
