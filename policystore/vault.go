package policystore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	vault "github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-admission-node/interfaces"
)

// VaultBackend persists the record in a HashiCorp Vault KV v2 secret.
// Vault writes replace the whole secret version, which gives the
// wholesale-replace semantics the record requires.
type VaultBackend struct {
	client      *vault.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

const vaultRecordField = "record"

// NewVaultBackend creates a Vault storage backend.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "admission/store")
//   - token: Vault token; when empty the VAULT_TOKEN environment variable applies
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	config := vault.DefaultConfig()
	config.Address = address

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	if token != "" {
		client.SetToken(token)
	}

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Load reads the record from Vault. Returns ErrStoreMissing if the
// secret has never been written.
func (b *VaultBackend) Load(ctx context.Context) ([]byte, error) {
	secret, err := b.client.KVv2(b.mountPath).Get(ctx, b.dataPath)
	if errors.Is(err, vault.ErrSecretNotFound) {
		return nil, interfaces.ErrStoreMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record from vault: %w", err)
	}

	encoded, ok := secret.Data[vaultRecordField].(string)
	if !ok {
		return nil, fmt.Errorf("%w: vault secret has no %s field", interfaces.ErrStoreCorrupt, vaultRecordField)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: vault record not base64: %v", interfaces.ErrStoreCorrupt, err)
	}

	b.log.Debug("Read policy store record from vault", slog.String("path", b.dataPath), slog.Int("size", len(data)))
	return data, nil
}

// Save writes the record as a new secret version.
func (b *VaultBackend) Save(ctx context.Context, data []byte) error {
	_, err := b.client.KVv2(b.mountPath).Put(ctx, b.dataPath, map[string]interface{}{
		vaultRecordField: base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return fmt.Errorf("failed to write record to vault: %w", err)
	}

	b.log.Debug("Wrote policy store record to vault", slog.String("path", b.dataPath), slog.Int("size", len(data)))
	return nil
}

// Exists reports whether the secret is present.
func (b *VaultBackend) Exists(ctx context.Context) (bool, error) {
	_, err := b.client.KVv2(b.mountPath).Get(ctx, b.dataPath)
	if errors.Is(err, vault.ErrSecretNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check vault record: %w", err)
	}
	return true, nil
}

// Name returns a unique identifier for this backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s", b.dataPath)
}

// LocationURI returns the URI that identifies this backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}
